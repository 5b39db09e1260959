package worker

// 统一的 WebSocket 消息协议（通过 Redis Pub/Sub 转发给企业端）。
// 注意：这里的字段名与前端解析保持一致。
type ApplicationNotifyMessage struct {
	Status        string `json:"status"`
	ApplicationID uint   `json:"application_id"`
	JobID         uint   `json:"job_id"`
	JobTitle      string `json:"job_title"`
	ApplicantName string `json:"applicant_name"`
	AppliedAt     string `json:"applied_at"`
	CorrelationID string `json:"correlation_id"`
	ErrorCode     int    `json:"error_code"`
	ErrorMessage  string `json:"error_message,omitempty"`
}
