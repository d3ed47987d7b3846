package factory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type greeter struct {
	greeting string
}

func TestRegistry(t *testing.T) {
	t.Run("resolve is case insensitive and builds fresh instances", func(t *testing.T) {
		reg := New[*greeter]("greeter")
		require.NoError(t, reg.Register("Hello", func(opts map[string]any) (*greeter, error) {
			g := &greeter{greeting: "hello"}
			if v, ok := opts["greeting"].(string); ok {
				g.greeting = v
			}
			return g, nil
		}))

		g1, err := reg.Resolve("hello", nil)
		require.NoError(t, err)
		g2, err := reg.Resolve("HELLO", map[string]any{"greeting": "hi"})
		require.NoError(t, err)

		require.Equal(t, "hello", g1.greeting)
		require.Equal(t, "hi", g2.greeting)
		require.NotSame(t, g1, g2)
		require.True(t, reg.Has("hElLo"))
	})

	t.Run("unknown names are reported", func(t *testing.T) {
		reg := New[*greeter]("greeter")
		_, err := reg.Resolve("nope", nil)
		require.ErrorIs(t, err, ErrUnknown)
	})

	t.Run("registries are isolated", func(t *testing.T) {
		r1 := New[*greeter]("greeter")
		r2 := New[*greeter]("greeter")
		r1.MustRegister("a", func(map[string]any) (*greeter, error) { return &greeter{}, nil })

		require.True(t, r1.Has("a"))
		require.False(t, r2.Has("a"))
	})

	t.Run("invalid registrations are refused", func(t *testing.T) {
		reg := New[*greeter]("greeter")
		require.ErrorIs(t, reg.Register("", func(map[string]any) (*greeter, error) { return nil, nil }), ErrNameEmpty)
		require.ErrorIs(t, reg.Register("x", nil), ErrNilCtor)
	})

	t.Run("constructor errors are returned as-is", func(t *testing.T) {
		boom := errors.New("boom")
		reg := New[*greeter]("greeter")
		reg.MustRegister("b", func(map[string]any) (*greeter, error) { return nil, boom })
		_, err := reg.Resolve("b", nil)
		require.ErrorIs(t, err, boom)
		require.Equal(t, []string{"b"}, reg.Names())
	})
}
