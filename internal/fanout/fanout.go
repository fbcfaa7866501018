// Package fanout runs independent tasks concurrently and collects every
// outcome instead of failing fast, matching the "Promise.allSettled"
// semantics required for per-channel chat sends (§4.4/§4.5/§4.6: one
// channel's failure must never block or cancel the others).
package fanout

import "sync"

// Do runs every task concurrently and returns one error per task, in the
// same order as tasks, with nil where a task succeeded. It always waits for
// every task to finish; there is no early exit on the first failure.
func Do(tasks []func() error) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for i, task := range tasks {
		i, task := i, task
		go func() {
			defer wg.Done()
			errs[i] = task()
		}()
	}
	wg.Wait()
	return errs
}

// CountErrors returns the number of non-nil entries in errs.
func CountErrors(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
