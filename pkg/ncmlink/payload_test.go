package ncmlink

import (
	"errors"
	"reflect"
	"testing"
)

func TestPayload_KeepsDocumentOrder(t *testing.T) {
	payload, err := ParsePayload([]byte(`{"b":1,"a":"x","c":[1,2],"d":{"e":null}}`))
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}

	if got, want := payload.Keys(), []string{"b", "a", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}

	raw, err := payload.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	if got, want := string(raw), `{"b":1,"a":"x","c":[1,2],"d":{"e":null}}`; got != want {
		t.Errorf("MarshalJSON() = %s, want %s", got, want)
	}
}

func TestPayload_RejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `"text"`, `42`, `null`} {
		t.Run(raw, func(t *testing.T) {
			if _, err := ParsePayload([]byte(raw)); !errors.Is(err, ErrNotObject) {
				t.Errorf("ParsePayload(%s) error = %v, want ErrNotObject", raw, err)
			}
		})
	}

	if _, err := ParsePayload([]byte(`{"a":`)); err == nil {
		t.Error("ParsePayload() accepted invalid JSON")
	}
}

func TestPayloadMerge_LaterWins(t *testing.T) {
	detail, _ := ParsePayload([]byte(`{"id":1,"name":"first","code":200}`))
	info, _ := ParsePayload([]byte(`{"commentCount":4,"name":"second"}`))
	thread, _ := ParsePayload([]byte(`{"hotComments":[],"code":200}`))

	merged := NewPayload()
	for _, payload := range []*Payload{detail, nil, info, thread} {
		merged.Merge(payload)
	}

	if got, want := merged.Keys(), []string{"id", "name", "code", "commentCount", "hotComments"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if name, _ := merged.Get("name"); name.String() != "second" {
		t.Errorf("name = %q, want the later value", name.String())
	}
	if detail.Len() != 3 {
		t.Errorf("inputs must not change: detail has %d keys", detail.Len())
	}
	if _, ok := merged.Get("missing"); ok {
		t.Error("Get() found a key that was never set")
	}
}
