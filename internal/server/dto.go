package server

// WebhookResponse is returned for every processed webhook, including
// partially failed ones; per-template detail lives in the audit log.
type WebhookResponse struct {
	Success  bool   `json:"success"`
	Action   string `json:"action"`
	Created  int    `json:"created,omitempty"`
	Updated  int    `json:"updated,omitempty"`
	Deferred int    `json:"deferred,omitempty"`
	Failed   int    `json:"failed,omitempty"`
}

type CompleteTaskRequest struct {
	MatterID   int64 `json:"matter_id"`
	StageID    int64 `json:"stage_id"`
	TaskNumber int   `json:"task_number"`
}
