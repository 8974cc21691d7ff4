package training

// ReduceLROnPlateau lowers the learning rate by a multiplicative factor when
// the monitored validation loss stops improving for Patience consecutive
// epochs. The rate never drops below MinLR.
type ReduceLROnPlateau struct {
	optimizer Optimizer
	factor    float64
	patience  int
	minLR     float64

	best    float64
	bad     int
	started bool
}

// NewReduceLROnPlateau creates the scheduler over the given optimizer.
func NewReduceLROnPlateau(opt Optimizer, factor float64, patience int, minLR float64) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{
		optimizer: opt,
		factor:    factor,
		patience:  patience,
		minLR:     minLR,
	}
}

// Step records one epoch's validation loss and reduces the learning rate if
// the plateau patience is exhausted. It returns true when a reduction
// happened.
func (s *ReduceLROnPlateau) Step(valLoss float64) bool {
	if !s.started || valLoss < s.best {
		s.best = valLoss
		s.started = true
		s.bad = 0
		return false
	}

	s.bad++
	if s.bad <= s.patience {
		return false
	}

	s.bad = 0
	current := s.optimizer.GetLR()
	next := current * s.factor
	if next < s.minLR {
		next = s.minLR
	}
	if next >= current {
		return false
	}
	s.optimizer.SetLR(next)
	return true
}
