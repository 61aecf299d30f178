// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package view

import (
	"bytes"
	"html/template"
)

// DefaultSkeleton is a minimal sidebar document. Hosts normally supply the
// styled skeleton from their embedded assets.
const DefaultSkeleton = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>AI 助手</title></head>
<body><div id="ai-explain-sidebar" style="display: none">
<div class="ai-sidebar-header"><h3>AI 助手</h3><button id="ai-close-btn" class="ai-close-btn">✕</button></div>
<div class="ai-sidebar-content"><div id="ai-messages" class="ai-messages"></div>
<div class="ai-input-container"><textarea id="ai-input" class="ai-input" placeholder="输入消息..." rows="3"></textarea><button id="ai-send-btn" class="ai-send-btn">发送</button></div></div>
</div></body></html>`

var templates = template.Must(template.New("view").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`
{{define "message"}}<div class="ai-message ai-message-{{.Role}}" id="{{.ID}}"><div class="ai-message-role">{{.Label}}</div><div class="ai-message-body"><div class="ai-message-content">{{.Text}}</div></div></div>{{end}}

{{define "reasoning"}}<div class="ai-reasoning"><div class="ai-reasoning-header"><span class="ai-reasoning-title">思考过程</span><span class="ai-reasoning-toggle"></span></div><div class="ai-reasoning-content"></div></div>{{end}}

{{define "tools"}}<div class="ai-tools"></div>{{end}}

{{define "tool"}}<div class="ai-tool" data-index="{{.}}"></div>{{end}}

{{define "toolbody"}}<div class="ai-tool-header"><span class="ai-tool-title">联网搜索</span>
{{- if .Resolved}}<span class="ai-tool-status ai-tool-done">搜索完成</span>{{else}}<span class="ai-tool-status">{{.Progress}}</span>{{end -}}
</div>
{{- if .Resolved}}
{{- if .Card.Queries}}<div class="ai-search-queries">{{range .Card.Queries}}<span class="ai-search-query">{{.}}</span>{{end}}</div>{{end}}
{{- if .Card.References}}<div class="ai-refs"><div class="ai-refs-header"><span>参考资料 ({{len .Card.References}})</span><button class="ai-ref-toggle-all">展开全部</button></div>
{{- range $i, $r := .Card.References}}<div class="ai-ref" data-ref="{{$i}}"><div class="ai-ref-title"><span class="ai-ref-num">{{inc $i}}</span><a href="{{$r.URL}}" target="_blank" rel="noopener noreferrer">{{if $r.Title}}{{$r.Title}}{{else}}{{$r.URL}}{{end}}</a></div>
{{- if $r.Site}}<div class="ai-ref-site">{{$r.Site}}</div>{{end}}
{{- if $r.Snippet}}<div class="ai-ref-snippet">{{$r.Snippet}}</div>{{end}}</div>
{{- end}}</div>{{end}}
{{- end}}{{end}}

{{define "pending"}}<div class="ai-pending" id="ai-pending"><div class="ai-pending-label">选中的文本</div><div class="ai-pending-text">{{.Text}}</div><textarea class="ai-pending-prompt" rows="4">{{.Prompt}}</textarea><button class="ai-pending-confirm">解释</button><button class="ai-pending-cancel">取消</button></div>{{end}}
`))

func execute(name string, data interface{}) string {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		// Templates are static; an error here is a programming bug.
		panic(err)
	}
	return buf.String()
}
