package observability

const (
	// ScopeName names the instrumentation scope for meters and tracers.
	ScopeName = "github.com/zyr3x/opengemini"

	DefaultServiceName = "opengemini"

	SpanChatRequest  = "proxy.chat_request"
	SpanUpstreamCall = "proxy.upstream_call"
	SpanToolDispatch = "proxy.tool_dispatch"

	AttrModel        = "llm.model"
	AttrTool         = "tool.name"
	AttrRoute        = "http.route"
	AttrStatusCode   = "http.status_code"
	AttrIteration    = "loop.iteration"
	AttrToolCalls    = "loop.tool_calls"
	AttrTokensInput  = "llm.tokens.input"
	AttrTokensOutput = "llm.tokens.output"
)
