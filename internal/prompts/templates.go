package prompts

const gateText = `You are triaging paid bug-fix opportunities for an automated remediation pipeline.
Decide whether this issue is worth attempting automatically.

Platform: {{.Platform}}
Repository: {{.RepositoryURL}}
Reward: {{with .Amount}}{{.String}}{{else}}unspecified{{end}}
Title: {{.Title}}

Description:
{{truncate 8000 .Description}}

Consider whether the problem is well specified, whether it is a code defect
rather than a feature or design discussion, and whether a single focused change
could resolve it.

Respond with only a JSON object:
{"shouldProcess": true|false, "confidence": 0.0-1.0, "estimatedTimeMinutes": <integer>, "reason": "<one sentence>"}
`

const subjectText = `{{define "subject"}}Repository: {{.Subject.RepositoryURL}}
{{- with .Subject.Language}}
Language: {{.}}{{end}}
{{- if eq .Subject.Origin "commit"}}
Commit: {{.Subject.CommitID}}

Diff:
{{truncate 40000 .Subject.Diff}}
{{- else}}
Issue: {{.Subject.Title}}

{{truncate 8000 .Subject.Description}}
{{- end}}
{{- with .Subject.AffectedFiles}}

Files hinted as affected: {{join . ", "}}{{end}}
{{- with .Pattern}}

Known vulnerability {{.CVEID}} ({{.Language}}):
{{.Summary}}
Vulnerable shape:
{{.VulnerablePattern}}
Fixed shape:
{{.FixedPattern}}
{{- with .ExampleCode}}
Example:
{{.}}{{end}}
{{- end}}
{{- with .Context}}

Codebase summary:
{{truncate 60000 .}}{{end}}
{{end}}`

const rootCauseText = `{{if .Presence -}}
You are checking whether a known vulnerability is present in a change.
{{- else -}}
You are verifying the root cause of a reported defect.
{{- end}}

{{template "subject" .}}
{{if .Presence -}}
Decide how likely it is that the vulnerable shape above is present in this code.
Point at the exact files and snippets that match it.

Respond with only a JSON object:
{"confidence": 0.0-1.0, "rootCause": "<how the vulnerability manifests here>", "affectedFiles": ["<path>"], "affectedCode": {"<path>": "<snippet>"}, "reason": "<short justification>"}
{{- else -}}
Identify the root cause in the code. Be specific about the files and snippets
involved. Rate how confident you are that this is the real cause.

Respond with only a JSON object:
{"confidence": 0.0-1.0, "rootCause": "<refined root cause narrative>", "affectedFiles": ["<path>"], "affectedCode": {"<path>": "<snippet>"}, "reason": "<short justification>"}
{{- end}}
`

const fixGenerationText = `You are writing a fix for a verified defect.

{{template "subject" .}}
Root cause:
{{.Finding.RootCauseAnalysis}}
{{- range $path, $code := .Finding.AffectedCode}}

Current code in {{$path}}:
{{$code}}{{end}}

Write the smallest change that resolves the root cause without altering
unrelated behaviour. Give complete replacement code for each affected snippet.

Respond with only a JSON object:
{"recommendedFix": "<replacement code or unified diff>", "explanation": "<what the change does>"}
`

const fixVerificationText = `You are reviewing a proposed fix.

{{template "subject" .}}
Root cause:
{{.Finding.RootCauseAnalysis}}

Proposed fix:
{{.Finding.RecommendedFix}}

Decide whether the fix resolves the original {{if .Presence}}vulnerability{{else}}report{{end}} without introducing
regressions. Rate your confidence that it is correct and complete.

Respond with only a JSON object:
{"confidence": 0.0-1.0, "resolves": true|false, "reason": "<short justification>"}
`

const prefilterText = `You are screening a commit for known vulnerabilities.

Repository: {{.RepositoryURL}}
Commit: {{.CommitID}}
Language: {{.Language}}
{{- with .AffectedFiles}}
Changed files: {{join . ", "}}{{end}}

Diff:
{{truncate 40000 .Diff}}

Catalog of known vulnerability patterns for {{.Language}}:
{{range .Patterns}}
- {{.CVEID}}: {{.Summary}}
  vulnerable shape: {{.VulnerablePattern}}
{{- end}}

List only the catalog identifiers whose vulnerable shape plausibly appears in
this diff. Return an empty list when none do.

Respond with only a JSON object:
{"cveIds": ["<identifier from the catalog>"], "reason": "<short justification>"}
`
