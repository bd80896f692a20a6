// Agent configuration handlers.
//
// Both endpoints take an operation_flag: I inserts, U updates, D deletes.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/tbourn/go-rag-assistant/internal/domain"
)

// PromptConfigRequest changes one stage's prompt configuration.
type PromptConfigRequest struct {
	Operation         string          `json:"operation_flag" binding:"required" example:"I"`
	Customer          string          `json:"customer" example:"Acme"`
	PromptLevel       string          `json:"prompt_level" example:"Agent7"`
	ProductName       string          `json:"product_name" example:"Bots"`
	SystemInstruction string          `json:"system_instruction"`
	ResponseSchema    json.RawMessage `json:"response_schema,omitempty" swaggertype:"object"`
	InputPrompt       string          `json:"input_prompt"`
	LLMModelName      string          `json:"llm_model_name" example:"gemini-2.0-flash-001"`
	LLMServerLocation string          `json:"llm_server_location" example:"us-central1"`
	NearestNeighbours int             `json:"nearest_neighbours" example:"30"`
}

// ProcessDetailRequest changes one customer process.
type ProcessDetailRequest struct {
	Operation   string `json:"operation_flag" binding:"required" example:"I"`
	Customer    string `json:"customer_name" example:"Acme"`
	ProcessName string `json:"process_name" example:"Invoice Import"`
	ProductName string `json:"product_name" example:"Bots"`
	ProcessArea string `json:"process_area" example:"Finance"`
	Description string `json:"description"`
	Flow        string `json:"flow" example:"upload -> validate -> post"`
}

// ApplyPromptConfig godoc
// @ID          applyPromptConfig
// @Summary     Change a prompt configuration
// @Tags        Config
// @Accept      json
// @Param       body  body  handlers.PromptConfigRequest  true  "Prompt configuration"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already exists"
// @Router      /config/prompts [post]
func (h *Handlers) ApplyPromptConfig(c *gin.Context) {
	var req PromptConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operation_flag required")
		return
	}
	pc := &domain.PromptConfig{
		Customer:          req.Customer,
		PromptLevel:       req.PromptLevel,
		ProductName:       req.ProductName,
		SystemInstruction: req.SystemInstruction,
		InputPrompt:       req.InputPrompt,
		LLMModelName:      req.LLMModelName,
		LLMServerLocation: req.LLMServerLocation,
		NearestNeighbours: req.NearestNeighbours,
	}
	if len(req.ResponseSchema) > 0 && string(req.ResponseSchema) != "null" {
		pc.ResponseSchema = datatypes.JSON(req.ResponseSchema)
	}
	if err := h.svc.Config.ApplyPrompt(c.Request.Context(), req.Operation, pc); err != nil {
		failErr(c, err, ErrCodeConfigFailed)
		return
	}
	noContent(c)
}

// ApplyProcessDetail godoc
// @ID          applyProcessDetail
// @Summary     Change a customer process
// @Tags        Config
// @Accept      json
// @Param       body  body  handlers.ProcessDetailRequest  true  "Process detail"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already exists"
// @Router      /config/processes [post]
func (h *Handlers) ApplyProcessDetail(c *gin.Context) {
	var req ProcessDetailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operation_flag required")
		return
	}
	pd := &domain.ProcessDetail{
		CustomerName: req.Customer,
		ProcessName:  req.ProcessName,
		ProductName:  req.ProductName,
		ProcessArea:  req.ProcessArea,
		Description:  req.Description,
		Flow:         req.Flow,
	}
	if err := h.svc.Config.ApplyProcess(c.Request.Context(), req.Operation, pd); err != nil {
		failErr(c, err, ErrCodeConfigFailed)
		return
	}
	noContent(c)
}
