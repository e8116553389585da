package resource

import (
	"fmt"
	"go/token"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/host"
)

// MainFunction is the top-level entry point a script may declare. It runs
// once, when the environment initializes.
const MainFunction = "Main"

type compiled struct {
	program engine.Program
	resolve func(name string) engine.Callable
}

// compile interprets source in a fresh yaegi interpreter. Package-level
// declarations are evaluated here; Main runs later as the program.
func (l *Library) compile(name, path string, source []byte, sc *scope) (*compiled, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, &LoadError{Name: name, Path: path, Err: err}
	}
	if err := i.Use(host.Symbols(sc.load)); err != nil {
		return nil, &LoadError{Name: name, Path: path, Err: err}
	}
	for _, syms := range l.symbols {
		if err := i.Use(syms); err != nil {
			return nil, &LoadError{Name: name, Path: path, Err: err}
		}
	}
	if _, err := i.Eval(string(source)); err != nil {
		return nil, &LoadError{Name: name, Path: path, Err: err}
	}

	lookup := func(fn string) (engine.Callable, error) {
		v, err := i.Eval(fn)
		if err != nil {
			return nil, nil
		}
		return host.Callable(fn, v)
	}

	main, err := lookup(MainFunction)
	if err != nil {
		return nil, &LoadError{Name: name, Path: path, Err: err}
	}

	c := &compiled{
		program: func(act *engine.Activation) error {
			if main == nil {
				return nil
			}
			return main(act)
		},
		resolve: func(fn string) engine.Callable {
			if fn == MainFunction || !token.IsIdentifier(fn) || !token.IsExported(fn) {
				return nil
			}
			callable, err := lookup(fn)
			if err != nil {
				l.logger.Warn("entry point has an unsupported signature",
					"env", name,
					"function", fn,
					"error", err,
				)
				return nil
			}
			return callable
		},
	}
	return c, nil
}

// Problem is one script that failed to compile.
type Problem struct {
	Path string
	Err  error
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %v", p.Path, p.Err)
}
