package pipeline

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Tag names the information source able to answer a sub-question.
type Tag string

// Support tags.
const (
	TagCustomerDocuments Tag = "customer_documents"
	TagGeneralDocuments  Tag = "oracle_general_documents"
	TagProductDatabase   Tag = "product_database"
	TagCustomerDatabase  Tag = "customer_database"
)

// Sales tags.
const (
	TagSpecific        Tag = "specific"
	TagGeneric         Tag = "generic"
	TagGenericRealtime Tag = "generic-realtime"
	TagMoreInfo        Tag = "more-info"
)

// SupportTags is the closed tag set of the support and ticket flows, in
// retrieval order.
var SupportTags = []Tag{TagCustomerDocuments, TagGeneralDocuments, TagProductDatabase, TagCustomerDatabase}

// SalesTags is the closed tag set of the sales flow.
var SalesTags = []Tag{TagSpecific, TagGeneric, TagGenericRealtime, TagMoreInfo}

// TaggedQuestion is one decomposed question with its source.
type TaggedQuestion struct {
	Question string `json:"question"`
	Source   Tag    `json:"information_source"`
}

// Groups maps each tag to its questions. Every input question appears in
// exactly one group, once.
type Groups map[Tag][]string

// Len returns the number of grouped questions.
func (g Groups) Len() int {
	n := 0
	for _, qs := range g {
		n += len(qs)
	}
	return n
}

// Classifier partitions questions by tag. Tags outside the flow's closed
// set are dropped and counted, never merged into another bucket.
type Classifier struct {
	flow    Flow
	allowed map[Tag]struct{}
}

// NewClassifier builds a classifier for flow accepting tags.
func NewClassifier(flow Flow, tags []Tag) *Classifier {
	allowed := make(map[Tag]struct{}, len(tags))
	for _, t := range tags {
		allowed[t] = struct{}{}
	}
	return &Classifier{flow: flow, allowed: allowed}
}

func normalizeTag(t Tag) Tag { return Tag(strings.ToLower(strings.TrimSpace(string(t)))) }

// Known reports whether t belongs to the classifier's tag set.
func (c *Classifier) Known(t Tag) bool {
	_, ok := c.allowed[normalizeTag(t)]
	return ok
}

// drop records one dropped question.
func (c *Classifier) drop(ctx context.Context, t Tag, q string) {
	droppedSubquestions.WithLabelValues(string(c.flow), string(t)).Inc()
	log.Ctx(ctx).Warn().Str("tag", string(t)).Str("question", q).Msg("dropping sub-question with unknown source tag")
}

// Classify groups qs by tag. Blank questions are ignored. A question text
// seen twice keeps its first tag, so the groups never overlap. Questions
// inside a group are sorted, which makes the output independent of the
// model's ordering.
func (c *Classifier) Classify(ctx context.Context, qs []TaggedQuestion) Groups {
	ctx, span, done := stage(ctx, c.flow, "classify", attribute.Int("questions", len(qs)))
	defer done()

	out := make(Groups)
	seen := make(map[string]struct{}, len(qs))
	for _, q := range qs {
		text := strings.TrimSpace(q.Question)
		if text == "" {
			continue
		}
		tag := normalizeTag(q.Source)
		if _, ok := c.allowed[tag]; !ok {
			c.drop(ctx, tag, text)
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		out[tag] = append(out[tag], text)
	}
	for _, qs := range out {
		sort.Strings(qs)
	}
	span.SetAttributes(attribute.Int("groups", len(out)), attribute.Int("grouped", out.Len()))
	return out
}

// SalesSubQuestion is one item of a sales deconstruction.
type SalesSubQuestion struct {
	SubQuestion     string   `json:"sub_question"`
	QuestionType    Tag      `json:"question_type"`
	SpecificDetails string   `json:"specific_details,omitempty"`
	Assumptions     []string `json:"assumptions,omitempty"`
}

// Deconstruction is the stage two output for one top-level question.
type Deconstruction struct {
	OriginalSubQuestion string             `json:"original_sub_question"`
	DeconstructedQuery  []SalesSubQuestion `json:"deconstructed_query"`
}

// SalesGroup holds the sub-questions of one top-level question that share
// a tag and, for specific questions, a product.
type SalesGroup struct {
	TopQuestion  string
	Tag          Tag
	Product      string
	SubQuestions []string
}

// SalesGroups is the classified sales decomposition.
type SalesGroups struct {
	Specific []SalesGroup
	Generic  []SalesGroup
	MoreInfo []string
}

// Len returns the number of grouped sub-questions.
func (g SalesGroups) Len() int {
	n := len(g.MoreInfo)
	for _, s := range g.Specific {
		n += len(s.SubQuestions)
	}
	for _, s := range g.Generic {
		n += len(s.SubQuestions)
	}
	return n
}

// ClassifySales groups sales sub-questions by (top-level question, product)
// for specific questions and by top-level question for generic ones.
// defaultProduct is used when a specific question names no product.
// Group order follows the decomposition order.
func (c *Classifier) ClassifySales(ctx context.Context, decs []Deconstruction, defaultProduct string) SalesGroups {
	ctx, span, done := stage(ctx, c.flow, "classify", attribute.Int("top_questions", len(decs)))
	defer done()

	type key struct{ top, product string }
	var (
		out       SalesGroups
		genIdx    = map[string]int{}
		seen      = map[string]struct{}{}
		specOrder []key
	)
	specSets := map[key]map[string]struct{}{}
	genSets := map[string]map[string]struct{}{}

	for _, d := range decs {
		top := strings.TrimSpace(d.OriginalSubQuestion)
		for _, item := range d.DeconstructedQuery {
			q := strings.TrimSpace(item.SubQuestion)
			if q == "" {
				continue
			}
			tag := normalizeTag(item.QuestionType)
			if _, ok := c.allowed[tag]; !ok {
				c.drop(ctx, tag, q)
				continue
			}
			switch tag {
			case TagSpecific:
				product := strings.TrimSpace(item.SpecificDetails)
				if product == "" {
					product = defaultProduct
				}
				k := key{top, product}
				if _, ok := specSets[k]; !ok {
					specSets[k] = map[string]struct{}{}
					specOrder = append(specOrder, k)
				}
				if _, dup := seen[q]; dup {
					continue
				}
				seen[q] = struct{}{}
				specSets[k][q] = struct{}{}
			case TagGeneric, TagGenericRealtime:
				if _, ok := genSets[top]; !ok {
					genSets[top] = map[string]struct{}{}
					genIdx[top] = len(genIdx)
				}
				if _, dup := seen[q]; dup {
					continue
				}
				seen[q] = struct{}{}
				genSets[top][q] = struct{}{}
			case TagMoreInfo:
				if _, dup := seen[q]; dup {
					continue
				}
				seen[q] = struct{}{}
				out.MoreInfo = append(out.MoreInfo, q)
			}
		}
	}

	for _, k := range specOrder {
		if len(specSets[k]) == 0 {
			continue
		}
		out.Specific = append(out.Specific, SalesGroup{
			TopQuestion: k.top, Tag: TagSpecific, Product: k.product, SubQuestions: sortedKeys(specSets[k]),
		})
	}
	out.Generic = make([]SalesGroup, 0, len(genSets))
	tops := make([]string, len(genIdx))
	for top, i := range genIdx {
		tops[i] = top
	}
	for _, top := range tops {
		if len(genSets[top]) == 0 {
			continue
		}
		out.Generic = append(out.Generic, SalesGroup{TopQuestion: top, Tag: TagGeneric, SubQuestions: sortedKeys(genSets[top])})
	}
	span.SetAttributes(
		attribute.Int("specific_groups", len(out.Specific)),
		attribute.Int("generic_groups", len(out.Generic)),
		attribute.Int("more_info", len(out.MoreInfo)),
	)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
