package silo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"

	"github.com/mentionbridge/backend/internal/silo"
)

func TestShortID(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		id   string
		want string
	}{
		"tag uri":  {"tag:source.com,2013:1_2_a", "1_2_a"},
		"bare id":  {"1_2_a", "1_2_a"},
		"empty":    {"", ""},
		"trailing": {"tag:source.com,2013:", ""},
	}

	for scenario, tt := range tests {
		tt := tt

		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, silo.ShortID(tt.id))
		})
	}
}

func TestNewReaction(t *testing.T) {
	t.Parallel()

	t.Run("keeps its own id", func(t *testing.T) {
		t.Parallel()

		val, err := fastjson.Parse(`{"id": "tag:source.com,2013:1_2_a", "content": "nice"}`)
		require.NoError(t, err)

		r := silo.NewReaction(val, "comment")
		assert.Equal(t, "tag:source.com,2013:1_2_a", r.ID)
		assert.Equal(t, "comment", r.Kind)
		assert.Equal(t, "nice", r.Content)
	})

	t.Run("derives an id from the author when missing", func(t *testing.T) {
		t.Parallel()

		val, err := fastjson.Parse(`{"author": {"id": "tag:source.com,2013:liker"}}`)
		require.NoError(t, err)

		r := silo.NewReaction(val, "like")
		assert.Equal(t, "tag:source.com,2013:liker", r.ID)
	})

	t.Run("keeps the raw json", func(t *testing.T) {
		t.Parallel()

		val, err := fastjson.Parse(`{"id":"x"}`)
		require.NoError(t, err)

		r := silo.NewReaction(val, "repost")
		assert.JSONEq(t, `{"id":"x"}`, string(r.Raw))
	})
}
