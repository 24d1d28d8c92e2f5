// Package gadget implements the bounds-check-bypass encoder.
//
// A public array of ones is laid out directly in front of the secret bits in
// one allocation. A victim routine guards a read of public[x] with the check
// x < size. After N-1 in-bounds training calls the final call passes an index
// that lands on secret[offset]; when the check is predicted taken the read
// runs anyway and its value picks the size of the signal workload.
//
// Go gives no handle on the hardware branch predictor, so the predictor is
// modelled explicitly as a 3-bit saturating counter that the victim consults
// and trains on every call. The ordering barriers, the bound held behind an
// atomic and the unchecked pointer read keep the compiler from folding the
// check into the access.
package gadget
