package tensor

// ReverseGradOp is the gradient-reversal primitive used for adversarial
// training. The forward pass is the identity; the backward pass multiplies
// the incoming gradient by -coeff. Because it is an ordinary Operation node,
// it composes with the rest of the autograd graph and lets a domain
// discriminator be trained against a feature extractor with a single
// backward pass.
type ReverseGradOp struct {
	inputs []*Tensor
	coeff  float64
}

func (op *ReverseGradOp) Inputs() []*Tensor { return op.inputs }

func (op *ReverseGradOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Scale(gradOut, float32(-op.coeff))}
}

// ReverseGradAutograd returns a tensor numerically identical to x whose
// backward rule negates and scales the gradient: grad_x = -coeff * grad_out.
func ReverseGradAutograd(x *Tensor, coeff float64) *Tensor {
	result := x.Clone()
	attach(result, &ReverseGradOp{inputs: []*Tensor{x}, coeff: coeff})
	return result
}
