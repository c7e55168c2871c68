package ports

// Queue is a bounded FIFO.
type Queue[T any] interface {
	Enqueue(v T) bool
	DequeueBatch(max int) []T
	Len() int
}
