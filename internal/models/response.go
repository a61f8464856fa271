package models

import "time"

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type CreditsResponse struct {
	Success bool `json:"success"`
	Credits int  `json:"credits"`
	Cached  bool `json:"cached,omitempty"`
}

// CreditsErrorResponse is the failure body of the credits endpoints. Credits
// carries the current balance when it could be read.
type CreditsErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Credits *int   `json:"credits,omitempty"`
}

type CreditLogResponse struct {
	ID            int64     `json:"id"`
	OrderNo       string    `json:"order_no,omitempty"`
	OperationType string    `json:"operation_type"`
	OldValue      int       `json:"old_value"`
	ChangeAmount  int       `json:"change_amount"`
	NewValue      int       `json:"new_value"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type CreditHistoryResponse struct {
	Success bool                `json:"success"`
	Logs    []CreditLogResponse `json:"logs"`
}

type TaskResponse struct {
	TaskID          string     `json:"task_id"`
	Status          string     `json:"status"`
	Prompt          string     `json:"prompt"`
	Style           string     `json:"style,omitempty"`
	AspectRatio     string     `json:"aspect_ratio,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Progress        int        `json:"progress"`
	Stage           string     `json:"stage,omitempty"`
	CreditsDeducted bool       `json:"credits_deducted"`
	CreditsRefunded bool       `json:"credits_refunded"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

type GenerateResponse struct {
	Success bool         `json:"success"`
	Task    TaskResponse `json:"task"`
	Credits int          `json:"credits"`
}

type PaymentResponse struct {
	OrderNo   string     `json:"order_no"`
	Amount    string     `json:"amount"`
	Credits   int        `json:"credits"`
	Status    string     `json:"status"`
	TradeNo   string     `json:"trade_no,omitempty"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type PaymentCheckResponse struct {
	Success      bool            `json:"success"`
	Order        PaymentResponse `json:"order"`
	UpstreamPaid *bool           `json:"upstream_paid,omitempty"`
}

type PaymentFixResponse struct {
	Success          bool            `json:"success"`
	Order            PaymentResponse `json:"order"`
	CreditsGranted   int             `json:"credits_granted"`
	AlreadyProcessed bool            `json:"already_processed"`
}

type TemplateResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Prompt      string    `json:"prompt"`
	Style       string    `json:"style,omitempty"`
	AspectRatio string    `json:"aspect_ratio,omitempty"`
	PreviewURL  string    `json:"preview_url,omitempty"`
	IsPublic    bool      `json:"is_public"`
	Owned       bool      `json:"owned"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type TemplateListResponse struct {
	Templates []TemplateResponse `json:"templates"`
}

type SessionResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	UserID       string `json:"user_id"`
	Email        string `json:"email,omitempty"`
}

type OAuthStartResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

func NewTaskResponse(t *Task) TaskResponse {
	resp := TaskResponse{
		TaskID:          t.ID,
		Status:          string(t.Status),
		Prompt:          t.Prompt,
		Style:           t.Style,
		AspectRatio:     t.AspectRatio,
		Progress:        t.Progress,
		CreditsDeducted: t.CreditsDeducted,
		CreditsRefunded: t.CreditsRefunded,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.ResultURL.Valid {
		resp.ImageURL = t.ResultURL.String
	}
	if t.ErrorMessage.Valid {
		resp.ErrorMessage = t.ErrorMessage.String
	}
	if t.Stage.Valid {
		resp.Stage = t.Stage.String
	}
	if t.CompletedAt.Valid {
		completed := t.CompletedAt.Time
		resp.CompletedAt = &completed
	}
	return resp
}

func NewCreditLogResponse(l CreditLog) CreditLogResponse {
	resp := CreditLogResponse{
		ID:            l.ID,
		OperationType: string(l.OperationType),
		OldValue:      l.OldValue,
		ChangeAmount:  l.ChangeAmount,
		NewValue:      l.NewValue,
		Note:          l.Note,
		CreatedAt:     l.CreatedAt,
	}
	if l.OrderNo.Valid {
		resp.OrderNo = l.OrderNo.String
	}
	return resp
}

func NewPaymentResponse(p *Payment) PaymentResponse {
	resp := PaymentResponse{
		OrderNo:   p.OrderNo,
		Amount:    p.Amount.StringFixed(2),
		Credits:   p.Credits,
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
	}
	if p.TradeNo.Valid {
		resp.TradeNo = p.TradeNo.String
	}
	if p.PaidAt.Valid {
		paid := p.PaidAt.Time
		resp.PaidAt = &paid
	}
	return resp
}

func NewTemplateResponse(t *Template, viewer string) TemplateResponse {
	return TemplateResponse{
		ID:          t.ID.String(),
		Title:       t.Title,
		Prompt:      t.Prompt,
		Style:       t.Style,
		AspectRatio: t.AspectRatio,
		PreviewURL:  t.PreviewURL,
		IsPublic:    t.IsPublic,
		Owned:       t.UserID.String() == viewer,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}
