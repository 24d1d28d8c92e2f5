package gadget

// roundMask clears the low 16 bits of the training selector.
const roundMask = 0xFFFF

// RoundIndex returns the index passed to the victim in round j of a
// countdown over rounds. It is train for every j != 0 and malicious for
// j == 0, selected without a branch:
//
//	t = ((j mod rounds) - 1) &^ 0xFFFF   // 0, or only high bits set when j == 0
//	t |= t >> 16                         // logical shift; all ones when j == 0
//	x = train ^ (t & (malicious ^ train))
//
// rounds must be in [2, 0xFFFF] for the mask to separate the cases.
func RoundIndex(j, rounds, train, malicious int) int {
	t := ((j % rounds) - 1) &^ roundMask
	t |= int(uint(t) >> 16)
	return train ^ (t & (malicious ^ train))
}
