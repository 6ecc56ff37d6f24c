package namespace

import "github.com/chainwire/indexcore/pkg/schema"

func testSchema() *schema.Schema {
	s := schema.New()
	s.AddTable("Token", map[string]schema.Column{
		"id":     {Kind: schema.KindScalar, Scalar: schema.String},
		"supply": {Kind: schema.KindScalar, Scalar: schema.BigInt},
	}, []string{"id", "supply"})
	return s
}
