package readthrough

import "fmt"

// ProducerError wraps a producer failure. Every caller that shared the
// flight receives the same *ProducerError and nothing is cached.
type ProducerError struct {
	Key string
	Err error
}

func (e *ProducerError) Error() string {
	return fmt.Sprintf("readthrough: producing %s: %v", e.Key, e.Err)
}

func (e *ProducerError) Unwrap() error {
	return e.Err
}
