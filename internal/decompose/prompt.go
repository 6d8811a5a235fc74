package decompose

// systemPrompt frames the decomposition request.
const systemPrompt = `You are a software planning assistant. You break development requests into small, independently executable subtasks with explicit dependencies.`

// decompositionPrompt is the prompt template for task decomposition.
const decompositionPrompt = `Break this development request into subtasks. Each subtask should be sized for one autonomous agent session, and the set of subtasks must form a dependency graph with no cycles.

Request:
%s

Return ONLY a JSON array with this exact structure (no other text):
[
  {
    "id": "short-kebab-case-id",
    "title": "Short task title",
    "description": "Detailed task description",
    "prompt": "Full self-contained instructions for the agent executing this subtask",
    "depends_on": ["id-of-dependency"]
  }
]

Guidelines:
- Subtasks with no dependency between them run concurrently; only add a dependency when one task genuinely needs another's output
- Every id in depends_on must be the id of another subtask in the array
- A subtask must never depend on itself
- Use [] for depends_on when there are no dependencies
- Each prompt must stand alone: the executing agent sees nothing but the prompt and the repository`
