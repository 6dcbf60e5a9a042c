package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Analysis(t *testing.T) {
	valid := `{"storeType": "apparel brand", "vertical": "apparel", "queries": [{"query": "linen shirt", "category": "direct product"}]}`
	assert.NoError(t, Validate(Analysis, valid))

	missing := `{"storeType": "apparel brand", "queries": []}`
	err := Validate(Analysis, missing)
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, Analysis, ve.Schema)
	assert.NotEmpty(t, ve.Errors)
}

func TestValidate_Evaluation(t *testing.T) {
	valid := `{"dimensions": [{"key": "relevance", "score": 40}], "summary": "weak", "recommendations": ["add synonyms"]}`
	assert.NoError(t, Validate(Evaluation, valid))

	wrongType := `{"dimensions": [{"key": "relevance", "score": "forty"}], "summary": "weak", "recommendations": []}`
	err := Validate(Evaluation, wrongType)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "score")
}

func TestValidate_NotJSON(t *testing.T) {
	err := Validate(Analysis, "this is prose")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "(root)", ve.Errors[0].Field)
}

func TestValidate_UnknownSchema(t *testing.T) {
	err := Validate("missing", `{}`)
	var le *SchemaLoadError
	assert.ErrorAs(t, err, &le)
}

func TestValidateJSONString(t *testing.T) {
	schema := `{"type": "object", "required": ["email"], "properties": {"email": {"type": "string"}}}`
	assert.NoError(t, ValidateJSONString(schema, `{"email": "a@b.co"}`))
	assert.Error(t, ValidateJSONString(schema, `{}`))
}
