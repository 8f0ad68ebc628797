package connectors

const (
	TopicConnStatus       = "conn.status"
	TopicUploadProgress   = "upload.progress"
	TopicTransferOutcome  = "upload.file"
	TopicSessionStatus    = "upload.session"
	TopicRestartStatus    = "device.restart"
	TopicDashboardMessage = "dashboard.message"
	TopicSerialLine       = "serial.line"
)
