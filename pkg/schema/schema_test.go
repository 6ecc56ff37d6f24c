package schema

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenSchema(t *testing.T) *Schema {
	t.Helper()
	s := New()
	require.NoError(t, s.AddEnum("Status", "active", "paused"))
	s.AddTable("Token", map[string]Column{
		"id":     {Kind: KindScalar, Scalar: String},
		"supply": {Kind: KindScalar, Scalar: BigInt},
		"status": {Kind: KindEnum, Enum: "Status"},
		"owner":  {Kind: KindReference, RefTable: "Account"},
		"tags":   {Kind: KindScalar, Scalar: String, List: true, Optional: true},
	}, []string{"id", "supply", "status", "owner", "tags"})
	s.AddTable("Account", map[string]Column{
		"id": {Kind: KindScalar, Scalar: String},
	}, []string{"id"})
	return s
}

func TestSchemaValidateAccepts(t *testing.T) {
	s := tokenSchema(t)
	require.NoError(t, s.Validate())
}

func TestSchemaValidateRejectsMissingID(t *testing.T) {
	s := New()
	s.AddTable("Broken", map[string]Column{
		"name": {Kind: KindScalar, Scalar: String},
	}, []string{"name"})
	assert.Error(t, s.Validate())
}

func TestSchemaValidateRejectsOptionalID(t *testing.T) {
	s := New()
	s.AddTable("Broken", map[string]Column{
		"id": {Kind: KindScalar, Scalar: String, Optional: true},
	}, []string{"id"})
	assert.Error(t, s.Validate())
}

func TestSchemaValidateRejectsListID(t *testing.T) {
	s := New()
	s.AddTable("Broken", map[string]Column{
		"id": {Kind: KindScalar, Scalar: String, List: true},
	}, []string{"id"})
	assert.Error(t, s.Validate())
}

func TestSchemaValidateRejectsFloatID(t *testing.T) {
	s := New()
	s.AddTable("Broken", map[string]Column{
		"id": {Kind: KindScalar, Scalar: Float},
	}, []string{"id"})
	assert.Error(t, s.Validate())
}

func TestSchemaValidateRejectsDanglingReference(t *testing.T) {
	s := New()
	s.AddTable("Token", map[string]Column{
		"id":    {Kind: KindScalar, Scalar: String},
		"owner": {Kind: KindReference, RefTable: "Nope"},
	}, []string{"id", "owner"})
	assert.Error(t, s.Validate())
}

func TestSchemaValidateRejectsUndeclaredEnum(t *testing.T) {
	s := New()
	s.AddTable("Token", map[string]Column{
		"id":     {Kind: KindScalar, Scalar: String},
		"status": {Kind: KindEnum, Enum: "Nope"},
	}, []string{"id", "status"})
	assert.Error(t, s.Validate())
}

func TestSchemaValidateRejectsReservedColumnName(t *testing.T) {
	s := New()
	s.AddTable("Token", map[string]Column{
		"id":                      {Kind: KindScalar, Scalar: String},
		"effectiveFromCheckpoint": {Kind: KindScalar, Scalar: String},
	}, []string{"id", "effectiveFromCheckpoint"})
	assert.Error(t, s.Validate())
}

func TestAddEnumRejectsDuplicateValues(t *testing.T) {
	s := New()
	assert.Error(t, s.AddEnum("Status", "a", "a"))
}

func TestAddEnumRejectsEmptyValue(t *testing.T) {
	s := New()
	assert.Error(t, s.AddEnum("Status", "a", ""))
}

func TestTableDDLIncludesBitemporalColumns(t *testing.T) {
	s := tokenSchema(t)
	ddl, err := s.TableDDL("Token")
	require.NoError(t, err)
	assert.Contains(t, ddl, `"effectiveFromCheckpoint" VARCHAR(64) NOT NULL`)
	assert.Contains(t, ddl, `"effectiveToCheckpoint" VARCHAR(64) NOT NULL`)
	assert.Contains(t, ddl, `"supply" numeric(78,0) NOT NULL`)
	assert.Contains(t, ddl, `CHECK ("status" IN ('active','paused'))`)
	assert.NotContains(t, ddl, "tags\" text NOT NULL") // optional column must not get NOT NULL
}

func TestStorageTypeMapping(t *testing.T) {
	cases := []struct {
		col  Column
		want string
	}{
		{Column{Kind: KindScalar, Scalar: Boolean}, "integer"},
		{Column{Kind: KindScalar, Scalar: Int}, "bigint"},
		{Column{Kind: KindScalar, Scalar: Float}, "text"},
		{Column{Kind: KindScalar, Scalar: String}, "text"},
		{Column{Kind: KindScalar, Scalar: BigInt}, "numeric(78,0)"},
		{Column{Kind: KindScalar, Scalar: Bytes}, "text"},
		{Column{Kind: KindScalar, Scalar: String, List: true}, "text"},
		{Column{Kind: KindEnum}, "text"},
	}
	for _, tc := range cases {
		got, err := tc.col.StorageType()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestEncodeDecodeScalarRoundTrip(t *testing.T) {
	bigCol := Column{Kind: KindScalar, Scalar: BigInt}
	v := BigIntValue(big.NewInt(123456789012345))
	enc, err := EncodeScalar(bigCol, v)
	require.NoError(t, err)
	assert.Equal(t, "123456789012345", enc)
	dec, err := DecodeScalar(bigCol, enc)
	require.NoError(t, err)
	assert.Equal(t, 0, v.BigInt.Cmp(dec.BigInt))

	listCol := Column{Kind: KindScalar, Scalar: BigInt, List: true}
	lv := ListValue([]Value{BigIntValue(big.NewInt(1)), BigIntValue(big.NewInt(2))})
	encList, err := EncodeScalar(listCol, lv)
	require.NoError(t, err)
	decList, err := DecodeScalar(listCol, encList)
	require.NoError(t, err)
	require.Len(t, decList.List, 2)
	assert.Equal(t, 0, big.NewInt(1).Cmp(decList.List[0].BigInt))
	assert.Equal(t, 0, big.NewInt(2).Cmp(decList.List[1].BigInt))
}

func TestEncodeScalarRejectsNullForNonOptional(t *testing.T) {
	col := Column{Kind: KindScalar, Scalar: String}
	_, err := EncodeScalar(col, Null())
	assert.Error(t, err)
}

func TestBytesValueNormalizesCase(t *testing.T) {
	v := BytesValue("0xABCDEF")
	assert.Equal(t, "0xabcdef", v.Bytes)
}
