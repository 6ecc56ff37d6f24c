package revert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableIdentQualifiesNamespaceAndSuffix(t *testing.T) {
	c := &Controller{namespace: "ponder_abc"}
	assert.Equal(t, `"ponder_abc"."Token_versioned"`, c.tableIdent("Token"))
}
