package rules

import "github.com/invopop/jsonschema"

// PolicySchema returns the published JSON schema for policy documents.
// External tooling validates documents against this before handing them to
// the loader; the loader itself re-checks with strict decoding.
func PolicySchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: false}
	return r.Reflect(&Policy{})
}

// CatalogSchema returns the published JSON schema for account catalog
// documents.
func CatalogSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: false}
	return r.Reflect(&AccountCatalog{})
}
