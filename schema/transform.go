package schema

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/INLOpen/nexussync/core"
)

// Transform rewrites a serialized value during migration or write-time
// normalization. Implementations must be deterministic and side-effect free;
// dynamically compiled code is deliberately not supported.
type Transform interface {
	Apply(raw string) (string, error)
}

// TransformFunc adapts a statically registered Go function operating on the
// decoded JSON value.
type TransformFunc func(v any) (any, error)

func (f TransformFunc) Apply(raw string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", &core.CodecError{Op: "decode", Err: err}
	}
	out, err := f(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", &core.CodecError{Op: "encode", Err: err}
	}
	return string(b), nil
}

// PatchTransform is the restricted expression form for authoring transforms:
// a CUE fragment unified with the input value and exported with defaults
// resolved. `{score: *0 | int}` injects score 0 when absent; constraints in
// the patch reject inputs they conflict with.
type PatchTransform struct {
	Source string

	cctx  *cue.Context
	patch cue.Value
}

// NewPatchTransform compiles src and fails fast on malformed patches.
func NewPatchTransform(src string) (*PatchTransform, error) {
	cctx := cuecontext.New()
	patch := cctx.CompileString(src)
	if err := patch.Err(); err != nil {
		return nil, fmt.Errorf("compile patch: %w", err)
	}
	return &PatchTransform{Source: src, cctx: cctx, patch: patch}, nil
}

// MustPatchTransform is NewPatchTransform for statically known sources.
func MustPatchTransform(src string) *PatchTransform {
	p, err := NewPatchTransform(src)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *PatchTransform) Apply(raw string) (string, error) {
	expr, err := cuejson.Extract("value.json", []byte(raw))
	if err != nil {
		return "", &core.CodecError{Op: "decode", Err: err}
	}
	doc := p.cctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return "", &core.CodecError{Op: "decode", Err: err}
	}
	unified := doc.Unify(p.patch)
	if err := unified.Err(); err != nil {
		return "", fmt.Errorf("patch conflicts with value: %s", flattenCUEError(err))
	}
	out, err := unified.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("patch output not concrete: %s", flattenCUEError(err))
	}
	return string(out), nil
}

func flattenCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return msg
}
