package prompt

func temp(v float64) *float64 { return &v }

const toolBlock = `Tool: {{.Tool.Name}}
{{- if .Tool.Website}}
Website: {{.Tool.Website}}{{end}}
{{- if .Tool.GitHub}}
Repository: {{.Tool.GitHub}}{{end}}
{{- if .Tool.Pricing}}
Pricing: {{.Tool.Pricing}}{{end}}
{{- if .Tool.Description}}
Description: {{.Tool.Description}}{{end}}`

const classifySystem = `You classify AI tools for a public directory.
Answer with a JSON array of names copied exactly from the allowed list, most relevant first.
Never invent names that are not in the list. Answer [] when nothing fits.`

var defaults = map[Kind]Template{
	KindCategories: {
		System: classifySystem,
		User: toolBlock + `

Pick at most {{.Limit}} categories for this tool.

Allowed categories:
{{range .Options}}- {{.Name}}{{if .Description}}: {{.Description}}{{end}}
{{end}}`,
		Temperature: temp(0),
		MaxTokens:   300,
	},
	KindTags: {
		System: classifySystem,
		User: toolBlock + `

Pick at most {{.Limit}} tags that describe this tool's features.

Allowed tags:
{{range .Options}}- {{.Name}}
{{end}}`,
		Temperature: temp(0),
		MaxTokens:   300,
	},
	KindUseCases: {
		System: classifySystem,
		User: toolBlock + `

Pick at most {{.Limit}} use cases this tool is good for.

Allowed use cases:
{{range .Options}}- {{.Name}}{{if .Description}}: {{.Description}}{{end}}
{{end}}`,
		Temperature: temp(0),
		MaxTokens:   300,
	},
	KindCautions: {
		System: `You help readers of an AI tool directory decide whether a tool is right for them.
List concrete limitations, risks, or caveats: pricing traps, privacy, accuracy, platform limits.
One caution per line, each under 20 words, no numbering, no preamble.`,
		User: toolBlock + `

Write at most {{.Limit}} cautions for this tool.`,
		Temperature: temp(0.3),
		MaxTokens:   400,
	},
	KindDescription: {
		System: `You write neutral, factual descriptions for an AI tool directory.
Two or three sentences, no marketing superlatives, no markdown.`,
		User: toolBlock + `

Write the directory description for {{.Tool.Name}}.`,
		Temperature: temp(0.4),
		MaxTokens:   300,
	},
	KindArticle: {
		System: `You write helpful blog articles for an AI tool directory.
Write in Markdown. Start with a one-paragraph introduction, use ## headings, and end with a short conclusion.
Only mention tools from the provided list.`,
		User: `Topic: {{.Topic}}
{{if .Tools}}
Tools to cover:
{{range $i, $t := .Tools}}{{add $i 1}}. {{$t.Name}}{{if $t.Website}} ({{$t.Website}}){{end}}{{if $t.Description}}: {{$t.Description}}{{end}}
{{end}}{{end}}
The first line must be the article title as a level-1 heading.`,
		Temperature: temp(0.7),
		MaxTokens:   2500,
	},
}
