package montecarlo

// Batch planner: scenarios run batch by batch so cancellation is observed
// between batches and at most Workers scenarios are in flight.

type Batch struct {
	Start int
	End   int
}

type Planner struct {
	MaxBatchSize int
	MaxWorkers   int
}

func NewPlanner(maxBatchSize, maxWorkers int) *Planner {
	if maxBatchSize <= 0 {
		maxBatchSize = 256
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Planner{
		MaxBatchSize: maxBatchSize,
		MaxWorkers:   maxWorkers,
	}
}

// PlanBatches splits [0, n) into contiguous batches
func (p *Planner) PlanBatches(n int) []Batch {
	var batches []Batch
	for i := 0; i < n; i += p.MaxBatchSize {
		end := i + p.MaxBatchSize
		if end > n {
			end = n
		}
		batches = append(batches, Batch{Start: i, End: end})
	}
	return batches
}
