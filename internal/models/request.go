package models

type GenerateRequest struct {
	Prompt      string `json:"prompt" binding:"required" example:"a watercolor fox in the snow"`
	Style       string `json:"style,omitempty" example:"watercolor"`
	AspectRatio string `json:"aspect_ratio,omitempty" example:"1:1"`
	// Optional template to prefill prompt/style/aspect ratio from
	TemplateID string `json:"template_id,omitempty"`
}

type CreditsUpdateRequest struct {
	UserID string `json:"userId"`
	Action string `json:"action" binding:"required"` // "deduct" or "add"
	Amount int    `json:"amount,omitempty"`
	Note   string `json:"note,omitempty"`
}

type ReconcileRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type TaskNotificationRequest struct {
	TaskID   string `json:"taskId" binding:"required"`
	Status   string `json:"status" binding:"required"`
	ImageURL string `json:"imageUrl,omitempty"`
	Error    string `json:"error,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Stage    string `json:"stage,omitempty"`
}

type FixStuckTasksRequest struct {
	TimeThresholdMinutes int `json:"timeThresholdMinutes"`
}

type PaymentSyncRequest struct {
	Days int `json:"days"`
}

type TemplateRequest struct {
	Title       string `json:"title" binding:"required"`
	Prompt      string `json:"prompt" binding:"required"`
	Style       string `json:"style,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	PreviewURL  string `json:"preview_url,omitempty"`
	IsPublic    bool   `json:"is_public"`
}

type SignUpRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
