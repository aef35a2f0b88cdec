package schema

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/INLOpen/nexussync/core"
)

// Validate checks a serialized JSON value against the schema's structural
// definition, returning every violation found. A non-nil error means the
// value could not be decoded at all.
func (ks *KeySchema) Validate(raw string) ([]core.Violation, error) {
	expr, err := cuejson.Extract("value.json", []byte(raw))
	if err != nil {
		return nil, &core.CodecError{Op: "decode", Err: err}
	}
	doc := ks.cctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return nil, &core.CodecError{Op: "decode", Err: err}
	}

	unified := ks.compiled.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return violationsFromCUE(err), nil
	}
	return nil, nil
}

// violationsFromCUE flattens a CUE error list into violations, one per
// offending field, keeping the field path separate from the message.
func violationsFromCUE(err error) []core.Violation {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []core.Violation{{Message: err.Error()}}
	}
	out := make([]core.Violation, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		out = append(out, core.Violation{
			Field:   strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return out
}
