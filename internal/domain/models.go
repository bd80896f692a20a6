// Package domain defines the persistence models for chat sessions, messages,
// feedback, ticket summaries and agent configuration. These types are mapped
// with GORM and form the data layer of the assistant.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// SessionMeta is the free-form metadata recorded on a chat session.
type SessionMeta struct {
	ModelName  string `json:"model_name"`
	Topic      string `json:"topic"`
	QueryLevel string `json:"query_level"`
}

// ChatSession is one conversation thread. It is created with the first
// message of a conversation and touched (EndTime, MetaData) on every turn;
// sessions are never deleted.
//
// Fields:
//   - ChatID: globally unique lookup key.
//   - SessionID: client session that opened the chat.
//   - IssueID: optional external ticket id; unique when present (1:1 with ChatID).
//   - StartTime / EndTime: EndTime moves forward on every update.
//   - MetaData: model, topic and query level of the conversation.
type ChatSession struct {
	ChatID    string                          `json:"chat_id"    gorm:"type:varchar(64);primaryKey"`
	SessionID string                          `json:"session_id" gorm:"type:varchar(128);index"`
	UserName  string                          `json:"user_name"  gorm:"type:varchar(255)"`
	IssueID   *string                         `json:"issue_id,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_session_issue"`
	StartTime time.Time                       `json:"start_time"`
	EndTime   time.Time                       `json:"end_time"`
	MetaData  datatypes.JSONType[SessionMeta] `json:"meta_data"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string { return "chat_sessions" }

// ChatMessage is one user turn and the assistant response to it.
//
// MessageID is dense per chat and starts at 1. A row is inserted with an
// empty Response and completed exactly once; ResponseTime is nil until then.
type ChatMessage struct {
	ChatID            string     `json:"chat_id"            gorm:"type:varchar(64);primaryKey"`
	MessageID         int        `json:"message_id"         gorm:"primaryKey;autoIncrement:false"`
	UserMessage       string     `json:"user_message"       gorm:"type:text;not null"`
	Response          string     `json:"response"           gorm:"type:text;not null;default:''"`
	MessageTime       time.Time  `json:"message_time"`
	ResponseTime      *time.Time `json:"response_time,omitempty"`
	NearestNeighbours int        `json:"nearest_neighbours"`
	ErrorMsg          string     `json:"error_msg"          gorm:"type:text;not null;default:''"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }

// Completed reports whether the message has received its response.
func (m ChatMessage) Completed() bool { return m.ResponseTime != nil }

// Feedback is a structured payload attached to one message. At most one row
// exists per (chat, message); later writes replace earlier ones.
type Feedback struct {
	ChatID    string         `json:"chat_id"    gorm:"type:varchar(64);primaryKey"`
	MessageID int            `json:"message_id" gorm:"primaryKey;autoIncrement:false"`
	Payload   datatypes.JSON `json:"feedback"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Feedback.
func (Feedback) TableName() string { return "message_feedback" }

// TicketComment is one comment of an external support ticket.
type TicketComment struct {
	CommentID          int      `json:"comment_id"`
	Author             string   `json:"author"`
	AuthorEmail        string   `json:"author_email,omitempty"`
	Timestamp          string   `json:"timestamp"`
	Text               string   `json:"text"`
	AttachmentsContent []string `json:"attachments_content,omitempty"`
}

// SummaryBody is the nested summary document of a TicketSummary.
type SummaryBody struct {
	ChatSummary       string          `json:"chat_summary"`
	TicketDescription string          `json:"ticket_description"`
	AllComments       []TicketComment `json:"all_comments"`
	AIComments        string          `json:"ai_comments"`
}

// TicketSummary is the rolling summary of a support conversation.
//
// ProcessedMessageID and ProcessedCommentID are high-water marks: turns and
// comments at or below them are already folded into the summary.
type TicketSummary struct {
	ChatID             string                          `json:"chat_id"              gorm:"type:varchar(64);primaryKey"`
	IssueID            string                          `json:"issue_id"             gorm:"type:varchar(128);index"`
	ProcessedMessageID int                             `json:"processed_message_id"`
	ProcessedCommentID int                             `json:"processed_comment_id"`
	TicketStatus       string                          `json:"ticket_status"        gorm:"type:varchar(64)"`
	Summary            datatypes.JSONType[SummaryBody] `json:"summary"`
	CustomerName       string                          `json:"customer_name"        gorm:"type:varchar(255);index"`
	ProductName        string                          `json:"product_name"         gorm:"type:varchar(255)"`
	LastAccessedTime   time.Time                       `json:"last_accessed_time"   gorm:"index"`
}

// TableName returns the database table name for TicketSummary.
func (TicketSummary) TableName() string { return "ticket_summaries" }

// SupportTicket is the locally held snapshot of an external ticket. The
// ticketing system owns the data; this table only mirrors what the answer
// pipeline reads plus the AIComments it writes back.
type SupportTicket struct {
	IssueID      string                              `json:"issue_id"      gorm:"type:varchar(128);primaryKey"`
	CustomerName string                              `json:"customer_name" gorm:"type:varchar(255);primaryKey"`
	ProductName  string                              `json:"product_name"  gorm:"type:varchar(255)"`
	Description  string                              `json:"description"   gorm:"type:text"`
	TicketStatus string                              `json:"ticket_status" gorm:"type:varchar(64)"`
	AllComments  datatypes.JSONType[[]TicketComment] `json:"all_comments"`
	ProcessName  string                              `json:"process_name"  gorm:"type:varchar(255)"`
	SubProcess   string                              `json:"sub_process"   gorm:"type:varchar(255)"`
	AIComments   string                              `json:"ai_comments"   gorm:"type:text"`
	UpdatedAt    time.Time                           `json:"updated_at"`
}

// TableName returns the database table name for SupportTicket.
func (SupportTicket) TableName() string { return "support_tickets" }

// Comments returns the decoded ticket comments.
func (t SupportTicket) Comments() []TicketComment { return t.AllComments.Data() }

// PromptConfig holds per customer/product overrides for one pipeline stage
// ("Agent1" .. "Agent8", "Agent3.1").
type PromptConfig struct {
	Customer          string         `json:"customer"            gorm:"type:varchar(255);primaryKey"`
	PromptLevel       string         `json:"prompt_level"        gorm:"type:varchar(32);primaryKey"`
	ProductName       string         `json:"product_name"        gorm:"type:varchar(255);primaryKey"`
	SystemInstruction string         `json:"system_instruction"  gorm:"type:text"`
	ResponseSchema    datatypes.JSON `json:"response_schema,omitempty"`
	InputPrompt       string         `json:"input_prompt"        gorm:"type:text"`
	LLMModelName      string         `json:"llm_model_name"      gorm:"type:varchar(128)"`
	LLMServerLocation string         `json:"llm_server_location" gorm:"type:varchar(64)"`
	NearestNeighbours int            `json:"nearest_neighbours"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// TableName returns the database table name for PromptConfig.
func (PromptConfig) TableName() string { return "agent_prompt_configs" }

// ProcessDetail describes one customer business process: the candidate
// set for ticket classification and the flow handed to the model.
type ProcessDetail struct {
	CustomerName string    `json:"customer_name" gorm:"type:varchar(255);primaryKey"`
	ProcessName  string    `json:"process_name"  gorm:"type:varchar(255);primaryKey"`
	ProductName  string    `json:"product_name"  gorm:"type:varchar(255);primaryKey"`
	ProcessArea  string    `json:"process_area"  gorm:"type:varchar(255)"`
	Description  string    `json:"description"   gorm:"type:text"`
	Flow         string    `json:"flow"          gorm:"type:text"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for ProcessDetail.
func (ProcessDetail) TableName() string { return "customer_process_details" }
