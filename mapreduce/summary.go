package mapreduce

// Number is the set of types SumCount can add up.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Summary is a running sum and count.
type Summary[T Number] struct {
	Sum   T   `json:"sum"`
	Count int `json:"count"`
}

// Add folds v into s.
func (s Summary[T]) Add(v T) Summary[T] {
	s.Sum += v
	s.Count++
	return s
}

// Mean returns Sum/Count, or 0 for an empty summary.
func (s Summary[T]) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.Count)
}

// SumCount returns a job that sums and counts the inputs of every key.
func SumCount[T Number](keys []string, partition func(T) string) Job[T, Summary[T]] {
	return Job[T, Summary[T]]{
		Keys:      keys,
		Partition: partition,
		Reduce:    Summary[T].Add,
	}
}

// Parity partitions integers into "even" and "odd".
func Parity[T ~int | ~int8 | ~int16 | ~int32 | ~int64](v T) string {
	if v%2 == 0 {
		return "even"
	}
	return "odd"
}
