package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/memengine/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Completer 语言模型的调用边界：输入提示词，返回文本回复
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc 函数适配器
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ResultSchema 评估回复必须满足的 JSON Schema
const ResultSchema = `{
  "type": "object",
  "required": ["weight"],
  "properties": {
    "weight":  {"type": "number", "minimum": 1, "maximum": 10},
    "topic":   {"type": "string", "maxLength": 64},
    "emotion": {"type": "string", "maxLength": 32}
  }
}`

const promptTemplate = `Rate how important the following exchange is to remember long-term about the user.
Score 1 (small talk) to 10 (core facts about the user's identity, relationships or lasting preferences).

Recent conversation:
%s
User: %s
Assistant: %s

You must respond with valid JSON that conforms to the following JSON Schema:
%s

Respond only with the JSON object, no additional text.`

var codeBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// CompletionEvaluator 通过语言模型评估重要性，回复经 JSON Schema 校验
type CompletionEvaluator struct {
	completer Completer
	schema    *jsonschema.Schema
	name      string
	logger    *zap.Logger
}

// NewCompletionEvaluator 创建评估器
func NewCompletionEvaluator(completer Completer, logger *zap.Logger) (*CompletionEvaluator, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schema, err := jsonschema.CompileString("evaluation.json", ResultSchema)
	if err != nil {
		return nil, fmt.Errorf("compile evaluation schema: %w", err)
	}
	return &CompletionEvaluator{
		completer: completer,
		schema:    schema,
		name:      "completion",
		logger:    logger.With(zap.String("component", "evaluator")),
	}, nil
}

// Evaluate 实现 Evaluator
func (e *CompletionEvaluator) Evaluate(ctx context.Context, req Request) (Result, error) {
	reply, err := e.completer.Complete(ctx, BuildPrompt(req))
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, types.NewError(types.ErrEvaluation, "completion failed").
			WithCause(err).WithRetryable(true).WithComponent("evaluator")
	}

	res, err := e.parse(reply)
	if err != nil {
		e.logger.Warn("invalid evaluation reply", zap.Error(err), zap.Int("reply_len", len(reply)))
		return Result{}, types.NewError(types.ErrEvaluation, "invalid evaluation reply").
			WithCause(err).WithComponent("evaluator")
	}
	return res, nil
}

func (e *CompletionEvaluator) parse(reply string) (Result, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return Result{}, fmt.Errorf("no JSON object in reply")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return Result{}, fmt.Errorf("decode reply: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return Result{}, fmt.Errorf("validate reply: %w", err)
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, fmt.Errorf("decode reply: %w", err)
	}
	res.Topic = strings.TrimSpace(res.Topic)
	res.Emotion = strings.ToLower(strings.TrimSpace(res.Emotion))
	res.Source = e.name
	return res, nil
}

// BuildPrompt 构造评估提示词
func BuildPrompt(req Request) string {
	history := "(none)"
	if len(req.History) > 0 {
		history = strings.Join(req.History, "\n")
	}
	return fmt.Sprintf(promptTemplate, history, req.UserText, req.AIText, ResultSchema)
}

// extractJSON 从回复中取出 JSON 对象：优先 markdown 代码块，其次花括号边界
func extractJSON(reply string) string {
	reply = strings.TrimSpace(reply)
	if strings.Contains(reply, "```") {
		if m := codeBlockPattern.FindStringSubmatch(reply); len(m) > 1 {
			reply = strings.TrimSpace(m[1])
		}
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start >= 0 && end > start {
		return reply[start : end+1]
	}
	return ""
}
