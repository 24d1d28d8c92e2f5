package gadget

// Saturating counter parameters.
const (
	counterMax     = 7
	counterNeutral = 4
	takenThreshold = 4
)

// predictor is a single 3-bit saturating counter. Values at or above
// takenThreshold predict the branch taken.
type predictor struct {
	counter uint8
}

func newPredictor() predictor {
	return predictor{counter: counterNeutral}
}

func (p *predictor) predict() bool {
	return p.counter >= takenThreshold
}

func (p *predictor) update(taken bool) {
	if taken {
		if p.counter < counterMax {
			p.counter++
		}
		return
	}
	if p.counter > 0 {
		p.counter--
	}
}
