package llm

const extractTriplesPrompt = `You are a knowledge graph extraction system for course material. Read the passage below and extract factual statements as subject-predicate-object triples.

For each triple, provide:
- subject: the entity the statement is about, as written in the passage
- subject_type: the kind of entity (preferred types: %s)
- predicate: a short verb phrase in the direction it is stated, e.g. "prerequisite of", "uses", "defines"
- object: the entity the statement points at, as written in the passage
- object_type: the kind of entity
- confidence: a number between 0 and 1

Do not invent symmetric or inverse statements. Only extract what the passage asserts.

Respond ONLY with a JSON array. No markdown, no explanation. Example:
[{"subject":"Dijkstra's algorithm","subject_type":"algorithm","predicate":"uses","object":"priority queue","object_type":"data structure","confidence":0.9}]

If nothing can be extracted, respond with an empty array: []

Passage:
%s`
