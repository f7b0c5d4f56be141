package model_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/model"
)

func TestChainOrdersMiddlewares(t *testing.T) {
	var order []string
	mw := func(name string) model.Middleware {
		return func(next model.Client) model.Client {
			return model.Func(func(ctx context.Context, req model.Request) (model.Response, error) {
				order = append(order, name)
				return next.Complete(ctx, req)
			})
		}
	}
	base := model.Func(func(context.Context, model.Request) (model.Response, error) {
		order = append(order, "client")
		return model.Response{Text: "ok"}, nil
	})

	wrapped := model.Chain(base, mw("outer"), nil, mw("inner"))
	resp, err := wrapped.Complete(context.Background(), model.Request{})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, []string{"outer", "inner", "client"}, order)
}
