package engine

// System prompt for the reasoning model. %s is replaced with the language
// name the active sandbox interprets.
const systemPromptTemplate = `You are solving a task with the help of a %[1]s REPL.

The REPL keeps its state between code blocks. It provides:
- context: a string variable holding the material for the task (it may be large; inspect it with code instead of asking for it)
- llm_query(prompt): ask a language model a question and get its answer as a string
- rlm_query(task, ctx): solve a sub-task recursively with its own REPL; ctx becomes that REPL's context
- print(...): output you print is shown to you in the next turn

Write code in fenced blocks:
` + "```%[2]s" + `
# your code here
` + "```" + `

Rules:
- Use code to read, slice and search the context rather than guessing at its contents
- Delegate large or independent pieces of work to llm_query or rlm_query
- Keep printed output short; long output is truncated
- When you are done, answer on its own line with FINAL(your answer)
- If the answer is stored in a REPL variable, answer with FINAL_VAR(variable_name) instead`

// Sub-calls made through llm_query get a plain assistant prompt.
const queryPromptTemplate = `You are a helpful assistant answering a question asked by a program. Answer directly and concisely.`

const firstTurnTemplate = `Task: %s

The context variable holds %d characters. Start by exploring it with code.`

const continueTurnTemplate = `Task: %s

Transcript of your previous turns and their REPL output:
%s
Continue. Answer with FINAL(...) or FINAL_VAR(...) once you are confident.`
