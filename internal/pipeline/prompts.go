package pipeline

// Built-in instructions and response schemas. The sales agents are not
// configurable and always use them. Support stages take everything from
// PromptConfig and only borrow the response schemas when none is configured.

const salesQuestionsInstruction = `You help a pre-sales assistant answer complex questions about the vendor's products and organisation.
Read main_question and, when present, previous_conversation (the last turns of this chat, newest first).
Work out what the user is trying to achieve and list the elaborate, self-contained questions that must be answered to get them there.
Each question is processed on its own by the next agent, so never rely on context outside the question itself.
Answer in JSON with the field questions_to_answer.`

const salesQuestionsSchema = `{
  "type": "OBJECT",
  "properties": {
    "user_query": {"type": "STRING"},
    "questions_to_answer": {"type": "ARRAY", "items": {"type": "STRING"}}
  },
  "required": ["questions_to_answer"]
}`

const salesDeconstructInstruction = `You refine one sub_question of a pre-sales conversation into smaller questions and classify each for retrieval.
question_type is one of:
  specific          answered from the vendor's product material; set specific_details to the product
  generic           general internet knowledge
  generic-realtime  needs current information from the web
  more-info         can only be answered by the user
Prefer reasonable assumptions over more-info questions and list them in assumptions.
Answer in JSON with original_sub_question and deconstructed_query.`

const salesDeconstructSchema = `{
  "type": "OBJECT",
  "properties": {
    "original_sub_question": {"type": "STRING"},
    "deconstructed_query": {
      "type": "ARRAY",
      "items": {
        "type": "OBJECT",
        "properties": {
          "sub_question": {"type": "STRING"},
          "question_type": {"type": "STRING", "enum": ["generic", "specific", "generic-realtime", "more-info"]},
          "specific_details": {"type": "STRING"},
          "assumptions": {"type": "ARRAY", "items": {"type": "STRING"}}
        },
        "required": ["sub_question", "question_type"]
      }
    }
  },
  "required": ["original_sub_question", "deconstructed_query"]
}`

const salesPassageInstruction = `Answer main_question using only the reference data supplied in context, taking previous_conversation into account.
Be concise, structure the answer with headings where it helps and never mention where the content came from.
When the reference data does not contain the answer, say that the information is not available.`

const salesSynthesisInstruction = `You write the final Markdown answer to main_question from context, a list of sub-questions with their answers.
When previous_answer_generated is present, continue it: do not repeat it.
Set finished_response to "yes" when the answer is complete and "no" when another pass is needed.
List any assumptions you made in assumptions.`

const salesSynthesisSchema = `{
  "type": "OBJECT",
  "properties": {
    "response": {"type": "STRING"},
    "finished_response": {"type": "STRING", "enum": ["yes", "no"]},
    "assumptions": {"type": "ARRAY", "items": {"type": "STRING"}}
  },
  "required": ["response", "finished_response"]
}`

const processMatchSchema = `{
  "type": "OBJECT",
  "properties": {
    "ticket_description": {"type": "STRING"},
    "match_type": {"type": "STRING", "enum": ["best_match", "top_matches"]},
    "best_match": {
      "type": "OBJECT",
      "properties": {"process_name": {"type": "STRING"}, "process_area": {"type": "STRING"}, "reason": {"type": "STRING"}}
    },
    "top_matches": {
      "type": "ARRAY",
      "items": {
        "type": "OBJECT",
        "properties": {"process_name": {"type": "STRING"}, "process_area": {"type": "STRING"}, "reason": {"type": "STRING"}}
      }
    }
  },
  "required": ["match_type"]
}`

const resolutionQuestionsSchema = `{
  "type": "OBJECT",
  "properties": {
    "questions_for_resolution": {
      "type": "ARRAY",
      "items": {
        "type": "OBJECT",
        "properties": {
          "question": {"type": "STRING"},
          "information_source": {
            "type": "STRING",
            "enum": ["customer_database", "customer_documents", "oracle_general_documents", "product_database"]
          }
        },
        "required": ["question", "information_source"]
      }
    }
  },
  "required": ["questions_for_resolution"]
}`

const resolutionSchema = `{
  "type": "OBJECT",
  "properties": {
    "resolution": {"type": "STRING"},
    "assumptions": {"type": "ARRAY", "items": {"type": "STRING"}},
    "additional_questions": {"type": "ARRAY", "items": {"type": "STRING"}}
  },
  "required": ["resolution", "assumptions", "additional_questions"]
}`
