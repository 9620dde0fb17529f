package tasks

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
)

// areaWKT достаёт полигон области из payload вызова.
func areaWKT(inv *domain.TaskInvocation) (string, error) {
	s, ok := inv.Payload[domain.PayloadAreaWKT].(string)
	if !ok || s == "" {
		return "", domain.InputErrorf("%s: payload has no %s", inv.Kind, domain.PayloadAreaWKT)
	}
	return s, nil
}

// pipelineID достаёт идентификатор пайплайна из payload вызова.
// Поле PipelineID самого вызова — источник истины; payload дублирует
// его для задач, исполняемых вне контекста полного вызова.
func pipelineID(inv *domain.TaskInvocation) (uuid.UUID, error) {
	if inv.PipelineID != uuid.Nil {
		return inv.PipelineID, nil
	}
	s, ok := inv.Payload[domain.PayloadPipelineID].(string)
	if !ok {
		return uuid.Nil, domain.InputErrorf("%s: payload has no %s", inv.Kind, domain.PayloadPipelineID)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, domain.InputErrorf("%s: bad pipeline id %q", inv.Kind, s)
	}
	return id, nil
}

// scenarioOptions восстанавливает PipelineOptions из payload.
// Payload прошёл JSON-сериализацию, поэтому опции лежат как map;
// обратный проход через JSON возвращает типизированную структуру.
func scenarioOptions(inv *domain.TaskInvocation) domain.PipelineOptions {
	var opts domain.PipelineOptions
	raw, ok := inv.Payload[domain.PayloadOptions]
	if ok {
		if b, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(b, &opts)
		}
	}
	opts.Normalize()
	return opts
}

// upstream возвращает результат задачи kind из предыдущей стадии.
func upstream(inv *domain.TaskInvocation, kind string) (map[string]any, error) {
	all, ok := inv.Payload[domain.PayloadUpstream].(map[string]any)
	if !ok {
		return nil, domain.InputErrorf("%s: payload has no upstream results", inv.Kind)
	}
	res, ok := all[kind].(map[string]any)
	if !ok {
		return nil, domain.InputErrorf("%s: no upstream result from %s", inv.Kind, kind)
	}
	return res, nil
}

// upstreamString достаёт строковое поле из результата upstream-задачи.
func upstreamString(inv *domain.TaskInvocation, kind, key string) (string, error) {
	res, err := upstream(inv, kind)
	if err != nil {
		return "", err
	}
	s, ok := res[key].(string)
	if !ok || s == "" {
		return "", domain.InputErrorf("%s: upstream %s has no %s", inv.Kind, kind, key)
	}
	return s, nil
}
