package tensor

import (
	"fmt"
)

// Conv1D applies a strided 1-D valid convolution. x is [batch, inCh, length],
// weight is [outCh, inCh, kernel], bias is [outCh] (nil for none). The output
// is [batch, outCh, (length-kernel)/stride+1].
func Conv1D(x, weight, bias *Tensor, stride int) (*Tensor, error) {
	if len(x.Shape) != 3 || len(weight.Shape) != 3 {
		return nil, fmt.Errorf("Conv1D requires 3D input and weight, got %v and %v", x.Shape, weight.Shape)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("Conv1D stride must be positive, got %d", stride)
	}
	batch, inCh, length := x.Shape[0], x.Shape[1], x.Shape[2]
	outCh, kCh, kernel := weight.Shape[0], weight.Shape[1], weight.Shape[2]
	if kCh != inCh {
		return nil, fmt.Errorf("channel mismatch for Conv1D: input has %d, weight expects %d", inCh, kCh)
	}
	if kernel > length {
		return nil, fmt.Errorf("kernel %d longer than signal %d", kernel, length)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != outCh) {
		return nil, fmt.Errorf("Conv1D bias must be [%d], got %v", outCh, bias.Shape)
	}

	outLen := (length-kernel)/stride + 1
	out, _ := Zeros([]int{batch, outCh, outLen})
	for b := 0; b < batch; b++ {
		for f := 0; f < outCh; f++ {
			var b0 float32
			if bias != nil {
				b0 = bias.Data[f]
			}
			for o := 0; o < outLen; o++ {
				sum := b0
				start := o * stride
				for c := 0; c < inCh; c++ {
					xoff := (b*inCh+c)*length + start
					woff := (f*inCh + c) * kernel
					for k := 0; k < kernel; k++ {
						sum += x.Data[xoff+k] * weight.Data[woff+k]
					}
				}
				out.Data[(b*outCh+f)*outLen+o] = sum
			}
		}
	}
	return out, nil
}

// Conv1DOp is the autograd node for Conv1D.
type Conv1DOp struct {
	inputs []*Tensor // x, weight, bias (bias may be nil)
	stride int
}

func (op *Conv1DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv1DOp) Backward(gradOut *Tensor) []*Tensor {
	x, weight := op.inputs[0], op.inputs[1]
	bias := op.inputs[2]

	batch, inCh, length := x.Shape[0], x.Shape[1], x.Shape[2]
	outCh, kernel := weight.Shape[0], weight.Shape[2]
	outLen := gradOut.Shape[2]

	gradX, _ := Zeros(x.Shape)
	gradW, _ := Zeros(weight.Shape)
	var gradB *Tensor
	if bias != nil {
		gradB, _ = Zeros(bias.Shape)
	}

	for b := 0; b < batch; b++ {
		for f := 0; f < outCh; f++ {
			for o := 0; o < outLen; o++ {
				g := gradOut.Data[(b*outCh+f)*outLen+o]
				if gradB != nil {
					gradB.Data[f] += g
				}
				start := o * op.stride
				for c := 0; c < inCh; c++ {
					xoff := (b*inCh+c)*length + start
					woff := (f*inCh + c) * kernel
					for k := 0; k < kernel; k++ {
						gradX.Data[xoff+k] += g * weight.Data[woff+k]
						gradW.Data[woff+k] += g * x.Data[xoff+k]
					}
				}
			}
		}
	}
	return []*Tensor{gradX, gradW, gradB}
}

// Conv1DAutograd applies a strided 1-D convolution with automatic
// differentiation for the input, weight and bias.
func Conv1DAutograd(x, weight, bias *Tensor, stride int) (*Tensor, error) {
	result, err := Conv1D(x, weight, bias, stride)
	if err != nil {
		return nil, err
	}
	attach(result, &Conv1DOp{inputs: []*Tensor{x, weight, bias}, stride: stride})
	return result, nil
}

// GlobalAvgPool1D averages a [batch, ch, length] tensor over its trailing
// dimension, producing [batch, ch].
func GlobalAvgPool1D(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("GlobalAvgPool1D requires a 3D tensor, got %v", x.Shape)
	}
	batch, ch, length := x.Shape[0], x.Shape[1], x.Shape[2]
	out, _ := Zeros([]int{batch, ch})
	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			var sum float32
			off := (b*ch + c) * length
			for l := 0; l < length; l++ {
				sum += x.Data[off+l]
			}
			out.Data[b*ch+c] = sum / float32(length)
		}
	}
	return out, nil
}

// GlobalAvgPool1DOp is the autograd node for GlobalAvgPool1D.
type GlobalAvgPool1DOp struct {
	inputs []*Tensor
}

func (op *GlobalAvgPool1DOp) Inputs() []*Tensor { return op.inputs }

func (op *GlobalAvgPool1DOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	batch, ch, length := x.Shape[0], x.Shape[1], x.Shape[2]
	grad, _ := Zeros(x.Shape)
	inv := float32(1) / float32(length)
	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			g := gradOut.Data[b*ch+c] * inv
			off := (b*ch + c) * length
			for l := 0; l < length; l++ {
				grad.Data[off+l] = g
			}
		}
	}
	return []*Tensor{grad}
}

// GlobalAvgPool1DAutograd averages over the signal dimension with automatic
// differentiation.
func GlobalAvgPool1DAutograd(x *Tensor) (*Tensor, error) {
	result, err := GlobalAvgPool1D(x)
	if err != nil {
		return nil, err
	}
	attach(result, &GlobalAvgPool1DOp{inputs: []*Tensor{x}})
	return result, nil
}
