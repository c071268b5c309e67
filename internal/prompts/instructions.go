package prompts

// Built-in stage instructions. These are the default texts; deployments tune
// them without code changes by mounting replacement prompt files for the
// custom stages, while the built-in stages below keep stable contracts the
// handlers parse against.

// Categorization turns a raw transcript into timed, attributed segments.
const Categorization = `You are a transcription analyst. You receive the raw text of one voice or chat message from a work session, plus the previous messages of the session as context.

Split the message into coherent segments and return a JSON array, one object per segment, with the fields:
"start", "end" (timestamps if derivable, else empty strings), "speaker", "text", "topic_keywords", "keywords_grouped", "related_goal", "new_pattern_detected", "certainty_level", "mentioned_roles", "referenced_systems".

Rules:
- Preserve the original language of the text.
- Attribute speakers consistently; merge different spellings of one person.
- Keep every substantive statement; drop filler only.
- Return ONLY the JSON array, no commentary and no code fences.`

// Summarization condenses categorized segments into goal-oriented summaries.
const Summarization = `You receive a JSON array of categorized transcript segments from one message.

Produce a JSON array of summary objects with the fields "goal" and "summary": one object per distinct goal or topic discussed. Be concise and factual; do not invent goals that are not grounded in the segments. Return ONLY the JSON array.`

// Questioning extracts open questions from categorized segments.
const Questioning = `You receive a JSON array of categorized transcript segments from one message.

Extract the open questions raised or implied in the conversation. Return a JSON array of objects with the fields "topic", "question", "priority" and "level". Use priority values "High", "Medium" or "Low". Return ONLY the JSON array.`

// TaskCreation extracts actionable tasks from a session's accumulated segments.
const TaskCreation = `You receive the accumulated categorized segments of a complete work session as text.

Extract every actionable task that was agreed or requested. Return a JSON array of objects with the fields:
"task_id" (short stable identifier), "title", "description", "priority" ("High", "Medium" or "Low"), "priority_reason", "dependencies" (array of task_ids this task depends on), "dialogue_reference" (short quote locating the task in the dialogue).

Rules:
- One object per task; do not merge unrelated requests.
- Only include tasks grounded in the dialogue; no speculative work items.
- Return ONLY the JSON array, no commentary and no code fences.`

// ResultMerge deduplicates and merges the outputs of all custom processors.
const ResultMerge = `You receive a JSON array of result items produced by several independent analysis passes over the same work session. Items may overlap or duplicate each other.

Merge them: combine duplicates, keep the most specific wording, and preserve every distinct item. Each output object must keep its original fields and carry a "result" field with the merged text. Return ONLY the JSON array.`
