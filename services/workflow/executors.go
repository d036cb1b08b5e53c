package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// UpdateFieldExecutor handles UPDATE_FIELD steps.
type UpdateFieldExecutor struct{}

func (e *UpdateFieldExecutor) Execute(ctx context.Context, tx Tx, action Action, rc *RunContext, companyID string) (map[string]any, error) {
	a, ok := action.(UpdateFieldAction)
	if !ok {
		return nil, fmt.Errorf("%w: expected UPDATE_FIELD config", ErrInvalidConfig)
	}
	tbl, err := LookupTable(a.ResourceType)
	if err != nil {
		return nil, err
	}

	// Keys that are not columns of the table are dropped silently.
	values := make(map[string]any)
	var fields []Field
	for _, name := range sortedKeys(a.Updates) {
		f, ok := tbl.Field(name)
		if !ok || name == "id" {
			continue
		}
		v, err := f.Coerce(a.Updates[name])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		values[name] = v
		fields = append(fields, f)
	}

	if a.ResourceIDSource == SourceMatchField {
		return e.updateMatching(ctx, tx, tbl, a, values, fields, rc, companyID)
	}

	resourceID := rc.Trigger.ResourceID
	if a.ResourceIDSource == SourceCustom {
		resourceID = a.ResourceID
	}
	if resourceID == "" {
		return nil, fmt.Errorf("%w: no resource_id resolved for %s", ErrMissingConfig, a.ResourceType)
	}
	if _, err := uuid.Parse(resourceID); err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrEntityNotFound, a.ResourceType, resourceID)
	}

	before, err := tx.GetEntity(ctx, tbl, companyID, resourceID)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrEntityNotFound, a.ResourceType, resourceID)
	}
	if err := tx.UpdateEntity(ctx, tbl, companyID, resourceID, values); err != nil {
		return nil, err
	}
	rc.record(updatedEvent(tbl, companyID, before, values, fields))

	return map[string]any{
		"updated_fields": fieldNames(fields),
		"resource_id":    resourceID,
	}, nil
}

// updateMatching updates every row of the tenant whose match column equals
// the trigger's resource id.
func (e *UpdateFieldExecutor) updateMatching(ctx context.Context, tx Tx, tbl *Table, a UpdateFieldAction, values map[string]any, fields []Field, rc *RunContext, companyID string) (map[string]any, error) {
	if a.MatchField == "" {
		return nil, fmt.Errorf("%w: match_field is required when resource_id_source is %q", ErrMissingConfig, SourceMatchField)
	}
	mf, ok := tbl.Field(a.MatchField)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no field %q", ErrInvalidConfig, tbl.Name, a.MatchField)
	}

	var matches []map[string]any
	if rc.Trigger.ResourceID != "" {
		key, err := mf.Coerce(rc.Trigger.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if matches, err = tx.FindEntities(ctx, tbl, companyID, a.MatchField, key); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(matches))
	for _, before := range matches {
		id, _ := before["id"].(string)
		if err := tx.UpdateEntity(ctx, tbl, companyID, id, values); err != nil {
			return nil, err
		}
		rc.record(updatedEvent(tbl, companyID, before, values, fields))
		ids = append(ids, id)
	}

	updated := []string{}
	if len(matches) > 0 {
		updated = fieldNames(fields)
	}
	return map[string]any{
		"updated_fields": updated,
		"updated_count":  len(matches),
		"updated_ids":    ids,
		"match_field":    a.MatchField,
	}, nil
}

func updatedEvent(tbl *Table, companyID string, before, values map[string]any, fields []Field) ChangeEvent {
	after := make(map[string]any, len(before))
	for k, v := range before {
		after[k] = v
	}
	for _, f := range fields {
		after[f.Name] = f.Normalize(values[f.Name])
	}
	id, _ := before["id"].(string)
	return ChangeEvent{
		CompanyID:    companyID,
		ResourceType: tbl.Name,
		EventType:    EventUpdated,
		ResourceID:   id,
		Before:       before,
		After:        after,
	}
}

func fieldNames(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// CreateEntityExecutor handles CREATE_ENTITY steps. The new row always
// belongs to the triggering tenant and gets a generated id.
type CreateEntityExecutor struct{}

func (e *CreateEntityExecutor) Execute(ctx context.Context, tx Tx, action Action, rc *RunContext, companyID string) (map[string]any, error) {
	a, ok := action.(CreateEntityAction)
	if !ok {
		return nil, fmt.Errorf("%w: expected CREATE_ENTITY config", ErrInvalidConfig)
	}
	tbl, err := LookupTable(a.ResourceType)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(a.Data))
	after := make(map[string]any, len(a.Data)+2)
	for _, name := range sortedKeys(a.Data) {
		if name == "id" || name == "company_id" {
			continue
		}
		f, ok := tbl.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no field %q", ErrInvalidConfig, tbl.Name, name)
		}
		v, err := f.Coerce(a.Data[name])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		values[name] = v
		after[name] = f.Normalize(v)
	}

	id, err := tx.InsertEntity(ctx, tbl, companyID, values)
	if err != nil {
		return nil, err
	}
	after["id"] = id
	after["company_id"] = companyID
	rc.record(ChangeEvent{
		CompanyID:    companyID,
		ResourceType: tbl.Name,
		EventType:    EventCreated,
		ResourceID:   id,
		After:        after,
	})

	return map[string]any{
		"created_resource_type": tbl.Name,
		"resource_id":           id,
	}, nil
}

// HTTPRequestExecutor handles HTTP_REQUEST steps by calling an outbound webhook.
type HTTPRequestExecutor struct {
	client WebhookClient
}

func (e *HTTPRequestExecutor) Execute(ctx context.Context, _ Tx, action Action, rc *RunContext, _ string) (map[string]any, error) {
	a, ok := action.(HTTPRequestAction)
	if !ok {
		return nil, fmt.Errorf("%w: expected HTTP_REQUEST config", ErrInvalidConfig)
	}
	if e.client == nil {
		return nil, fmt.Errorf("%w: no webhook client configured", ErrUnsupportedAction)
	}

	req := WebhookRequest{Method: a.Method, URL: a.URL, Headers: make(map[string]string, len(a.Headers)+1)}
	for k, v := range a.Headers {
		req.Headers[k] = v
	}

	body := a.Body
	if body == nil && a.IncludeContext {
		body = map[string]any{"trigger": rc.Trigger, "results": rc.Results}
	}
	switch b := body.(type) {
	case nil:
	case string:
		req.Body = []byte(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrInvalidConfig, err)
		}
		req.Body = raw
		if _, ok := req.Headers["Content-Type"]; !ok {
			req.Headers["Content-Type"] = "application/json"
		}
	}
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		req.Body = nil
	}

	resp, err := e.client.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("webhook error: %w", err)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"url":         a.URL,
		"response":    resp.Body,
	}, nil
}
