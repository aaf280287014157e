package component

import (
	"github.com/samber/do/v2"
)

// container is the side dependency-injection container: plain values
// and lazy factories resolved by string token, with no lifecycle
// involvement. It wraps a samber/do injector so resolution semantics
// (laziness, memoization) come from the library.
type container struct {
	injector do.Injector
}

func newContainer() *container {
	return &container{injector: do.New()}
}

// registerValue binds a token to a value. Re-registering a token
// replaces the previous binding.
func (c *container) registerValue(token string, value any) {
	do.OverrideNamedValue[any](c.injector, token, value)
}

// registerFactory binds a token to a lazy provider. The provider runs
// on first resolution and its result is memoized.
func (c *container) registerFactory(token string, provider func() (any, error)) {
	do.OverrideNamed[any](c.injector, token, func(do.Injector) (any, error) {
		return provider()
	})
}

// resolve returns the value bound to token.
func (c *container) resolve(token string) (any, error) {
	return do.InvokeNamed[any](c.injector, token)
}
