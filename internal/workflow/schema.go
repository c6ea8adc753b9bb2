package workflow

// workflowSchema and instanceSchema are the minimal JSON-schema shape
// checks ReadJSON runs against workflow.json/instance.json before the
// store trusts a parsed document (§7 Corrupt taxonomy): a document that
// unmarshals fine as JSON but is missing the fields the rest of the core
// assumes (e.g. half-written by a crashed process outside an atomic
// rename, or hand-edited) is exactly the class of defect
// gojsonschema catches that a bare json.Unmarshal cannot.
const workflowSchema = `{
	"type": "object",
	"required": ["id", "taskId", "nodes", "edges"],
	"properties": {
		"id": {"type": "string"},
		"taskId": {"type": "string"},
		"nodes": {"type": "array"},
		"edges": {"type": "array"}
	}
}`

const instanceSchema = `{
	"type": "object",
	"required": ["id", "workflowId", "status", "nodeStates"],
	"properties": {
		"id": {"type": "string"},
		"workflowId": {"type": "string"},
		"status": {"type": "string"},
		"nodeStates": {"type": "object"}
	}
}`
