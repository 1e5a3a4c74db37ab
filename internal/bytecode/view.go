package bytecode

import (
	"fmt"

	"refsafe/internal/status"
)

// FunctionView is the read-only projection of one function definition that
// the verifier works on.
type FunctionView struct {
	Index      FunctionDefinitionIndex
	Handle     FunctionHandleIndex
	Parameters Signature
	Return     Signature
	Locals     Signature // non-parameter locals only
	Code       []Instr
	Acquires   []StructDefinitionIndex
	CFG        *ControlFlowGraph
}

// NewFunctionView resolves the signatures of definition idx and builds its
// control-flow graph. Native functions are rejected: they have nothing to verify.
func NewFunctionView(r Resolver, idx FunctionDefinitionIndex) (*FunctionView, error) {
	def, err := r.FunctionDefAt(idx)
	if err != nil {
		return nil, err
	}
	if def.IsNative() {
		return nil, status.Newf(status.MalformedModule, "function definition %d is native", idx)
	}
	fh, err := r.FunctionHandleAt(def.Function)
	if err != nil {
		return nil, err
	}
	params, err := r.SignatureAt(fh.Parameters)
	if err != nil {
		return nil, err
	}
	ret, err := r.SignatureAt(fh.Return)
	if err != nil {
		return nil, err
	}
	locals, err := r.SignatureAt(def.Code.Locals)
	if err != nil {
		return nil, err
	}
	if len(params)+len(locals) > maxLocals {
		return nil, status.Newf(status.MalformedModule,
			"function definition %d declares %d locals, limit is %d", idx, len(params)+len(locals), maxLocals)
	}
	if len(def.Code.Code) == 0 {
		return nil, status.Newf(status.MalformedModule, "function definition %d has an empty body", idx)
	}
	if len(def.Code.Code) > maxCodeLen {
		return nil, status.Newf(status.MalformedModule, "function definition %d: code too long", idx)
	}
	if err := checkTargets(def.Code.Code); err != nil {
		return nil, fmt.Errorf("function definition %d: %w", idx, err)
	}
	return &FunctionView{
		Index:      idx,
		Handle:     def.Function,
		Parameters: params,
		Return:     ret,
		Locals:     locals,
		Code:       def.Code.Code,
		Acquires:   def.Acquires,
		CFG:        NewControlFlowGraph(def.Code.Code),
	}, nil
}

const (
	maxLocals  = 255
	maxCodeLen = 1<<16 - 1
)

// NumLocals returns the number of parameters plus declared locals.
func (v *FunctionView) NumLocals() int {
	return len(v.Parameters) + len(v.Locals)
}

// LocalType returns the static type of local slot i.
func (v *FunctionView) LocalType(i LocalIndex) (SignatureToken, bool) {
	n := int(i)
	switch {
	case n < len(v.Parameters):
		return v.Parameters[n], true
	case n < v.NumLocals():
		return v.Locals[n-len(v.Parameters)], true
	}
	return SignatureToken{}, false
}

// Acquire reports whether the function declares that it acquires def.
func (v *FunctionView) Acquire(def StructDefinitionIndex) bool {
	for _, a := range v.Acquires {
		if a == def {
			return true
		}
	}
	return false
}

// checkTargets verifies every branch target lands inside the code unit and
// the code cannot fall off the end.
func checkTargets(code []Instr) error {
	for pc, in := range code {
		if target, ok := in.Target(); ok && int(target) >= len(code) {
			return status.Newf(status.MalformedModule, "branch at %d targets %d, past end of code", pc, target).
				AtCodeOffset(status.NoOffset, pc)
		}
	}
	if last := code[len(code)-1]; !last.Op.IsUnconditionalBranch() {
		return status.Newf(status.MalformedModule, "code falls through its last instruction (%s)", last.Op)
	}
	return nil
}
