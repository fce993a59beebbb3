package gateway

// Tool schemas are data, not code: each entry below is the JSON Schema the
// registry validates a payload against before its handler runs.

const executeSchema = `{
  "type": "object",
  "required": ["command", "reason", "source", "trust_scope"],
  "properties": {
    "command": {"type": "string", "minLength": 1, "maxLength": 4096},
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "trust_scope": {"type": "string", "minLength": 1, "maxLength": 256},
    "account_id": {"type": "string", "maxLength": 64},
    "grant_id": {"type": "string", "maxLength": 128},
    "idempotency_key": {"type": "string", "maxLength": 128}
  },
  "additionalProperties": false
}`

const fileEntrySchema = `{
      "type": "object",
      "required": ["filename"],
      "properties": {
        "filename": {"type": "string", "minLength": 1, "maxLength": 512},
        "content_type": {"type": "string", "maxLength": 256},
        "size": {"type": "integer", "minimum": 0},
        "key": {"type": "string", "maxLength": 1024}
      },
      "additionalProperties": false
    }`

const uploadSchema = `{
  "type": "object",
  "required": ["reason", "source"],
  "properties": {
    "filename": {"type": "string", "maxLength": 512},
    "content_type": {"type": "string", "maxLength": 256},
    "size": {"type": "integer", "minimum": 0},
    "files": {"type": "array", "maxItems": 50, "items": ` + fileEntrySchema + `},
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "trust_scope": {"type": "string", "maxLength": 256},
    "account_id": {"type": "string", "maxLength": 64},
    "idempotency_key": {"type": "string", "maxLength": 128}
  },
  "additionalProperties": false
}`

const presignSchema = `{
  "type": "object",
  "required": ["filename", "reason", "source"],
  "properties": {
    "filename": {"type": "string", "minLength": 1, "maxLength": 512},
    "content_type": {"type": "string", "maxLength": 256},
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "expires_in": {"type": "integer", "minimum": 1, "maximum": 3600}
  },
  "additionalProperties": false
}`

const presignBatchSchema = `{
  "type": "object",
  "required": ["files", "reason", "source"],
  "properties": {
    "files": {"type": "array", "minItems": 1, "maxItems": 50, "items": ` + fileEntrySchema + `},
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "expires_in": {"type": "integer", "minimum": 1, "maximum": 3600}
  },
  "additionalProperties": false
}`

const confirmUploadSchema = `{
  "type": "object",
  "required": ["batch_id", "keys"],
  "properties": {
    "batch_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "keys": {"type": "array", "minItems": 1, "maxItems": 50, "items": {"type": "string", "maxLength": 1024}},
    "source": {"type": "string", "maxLength": 256}
  },
  "additionalProperties": false
}`

const getPageSchema = `{
  "type": "object",
  "required": ["page_id"],
  "properties": {
    "page_id": {"type": "string", "minLength": 1, "maxLength": 256}
  },
  "additionalProperties": false
}`

const requestGrantSchema = `{
  "type": "object",
  "required": ["commands", "reason", "source"],
  "properties": {
    "commands": {"type": "array", "minItems": 1, "maxItems": 20, "items": {"type": "string", "minLength": 1, "maxLength": 1024}},
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "trust_scope": {"type": "string", "maxLength": 256},
    "account_id": {"type": "string", "maxLength": 64},
    "ttl_minutes": {"type": "integer", "minimum": 1, "maximum": 60},
    "allow_repeat": {"type": "boolean"}
  },
  "additionalProperties": false
}`

const grantExecuteSchema = `{
  "type": "object",
  "required": ["grant_id", "command", "source"],
  "properties": {
    "grant_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "command": {"type": "string", "minLength": 1, "maxLength": 4096},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "account_id": {"type": "string", "maxLength": 64}
  },
  "additionalProperties": false
}`

const grantIDSchema = `{
  "type": "object",
  "required": ["grant_id", "source"],
  "properties": {
    "grant_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "source": {"type": "string", "minLength": 1, "maxLength": 256}
  },
  "additionalProperties": false
}`

const trustScopeSchema = `{
  "type": "object",
  "required": ["trust_scope"],
  "properties": {
    "trust_scope": {"type": "string", "minLength": 1, "maxLength": 256},
    "account_id": {"type": "string", "maxLength": 64}
  },
  "additionalProperties": false
}`

const addAccountSchema = `{
  "type": "object",
  "required": ["account_id", "name", "reason", "source"],
  "properties": {
    "account_id": {"type": "string", "pattern": "^[0-9]{12}$"},
    "name": {"type": "string", "minLength": 1, "maxLength": 128},
    "role_arn": {"type": "string", "maxLength": 512},
    "upload_bucket": {"type": "string", "maxLength": 256},
    "sensitivity": {"type": "string", "maxLength": 64},
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "trust_scope": {"type": "string", "maxLength": 256}
  },
  "additionalProperties": false
}`

const removeAccountSchema = `{
  "type": "object",
  "required": ["account_id", "reason", "source"],
  "properties": {
    "account_id": {"type": "string", "pattern": "^[0-9]{12}$"},
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "trust_scope": {"type": "string", "maxLength": 256}
  },
  "additionalProperties": false
}`

const emptySchema = `{"type": "object", "additionalProperties": false}`

const listSchema = `{
  "type": "object",
  "properties": {
    "source": {"type": "string", "maxLength": 256},
    "limit": {"type": "integer", "minimum": 1, "maximum": 100}
  },
  "additionalProperties": false
}`

const deploySchema = `{
  "type": "object",
  "required": ["project_id", "reason", "source"],
  "properties": {
    "project_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "trust_scope": {"type": "string", "maxLength": 256},
    "branch": {"type": "string", "maxLength": 128}
  },
  "additionalProperties": false
}`

const statusSchema = `{
  "type": "object",
  "required": ["request_id"],
  "properties": {
    "request_id": {"type": "string", "minLength": 1, "maxLength": 128}
  },
  "additionalProperties": false
}`

// registerTools mounts the full tool table.
func (s *Server) registerTools() error {
	entries := []struct {
		name    string
		schema  string
		handler Handler
	}{
		{"execute_command", executeSchema, s.handleExecute},
		{"upload_file", uploadSchema, s.handleUpload},
		{"request_presigned_url", presignSchema, s.handlePresign},
		{"request_presigned_batch", presignBatchSchema, s.handlePresignBatch},
		{"confirm_upload", confirmUploadSchema, s.handleConfirmUpload},
		{"get_page", getPageSchema, s.handleGetPage},
		{"request_grant", requestGrantSchema, s.handleRequestGrant},
		{"grant_execute", grantExecuteSchema, s.handleGrantExecute},
		{"grant_status", grantIDSchema, s.handleGrantStatus},
		{"revoke_grant", grantIDSchema, s.handleRevokeGrant},
		{"trust_status", trustScopeSchema, s.handleTrustStatus},
		{"revoke_trust", trustScopeSchema, s.handleRevokeTrust},
		{"add_account", addAccountSchema, s.handleAddAccount},
		{"remove_account", removeAccountSchema, s.handleRemoveAccount},
		{"list_accounts", emptySchema, s.handleListAccounts},
		{"list_safelist", emptySchema, s.handleListSafelist},
		{"list_pending", listSchema, s.handleListPending},
		{"history", listSchema, s.handleHistory},
		{"deploy", deploySchema, s.handleDeploy},
		{"status", statusSchema, s.handleStatus},
	}
	for _, e := range entries {
		if err := s.registry.Register(e.name, e.schema, e.handler); err != nil {
			return err
		}
	}
	return nil
}
