package neo4j

import (
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/stretchr/testify/assert"

	"polystore.evalgo.org/backend"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want backend.Kind
	}{
		{
			name: "client error is permanent",
			err:  &db.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "bad cypher"},
			want: backend.KindPermanent,
		},
		{
			name: "deadlock is transient",
			err:  &db.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected", Msg: "deadlock"},
			want: backend.KindTransient,
		},
		{
			name: "unknown errors default to transient",
			err:  errors.New("connection reset by peer"),
			want: backend.KindTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backend.KindOf(classify("graph.put", tt.err)))
		})
	}
}
