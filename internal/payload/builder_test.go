package payload

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"kobo_connect/internal/directive"
	"kobo_connect/internal/domain"
	"kobo_connect/internal/kobo"
)

type fakeResolver struct {
	records map[string][]domain.Record
	uploads []domain.AttachmentUpload
	finds   int
}

func (f *fakeResolver) Find(ctx context.Context, entity, field string, value interface{}) ([]domain.Record, error) {
	f.finds++
	return f.records[entity+"."+field+"="+kobo.String(value)], nil
}

func (f *fakeResolver) UploadAttachment(ctx context.Context, up domain.AttachmentUpload) (string, error) {
	f.uploads = append(f.uploads, up)
	return "att-1", nil
}

type fakeFetcher struct {
	data  []byte
	calls int
}

func (f *fakeFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	f.calls++
	return f.data, nil
}

func build(t *testing.T, b *Builder, raw map[string]interface{}, headers map[string]string) (*Result, error) {
	t.Helper()
	ds, err := directive.Parse(headers, directive.Options{Delimiter: ".", Reserved: directive.DefaultReserved})
	if err != nil {
		t.Fatal(err)
	}
	return b.Build(context.Background(), kobo.Normalize(raw), ds)
}

func TestMultiSplit(t *testing.T) {
	res, err := build(t, &Builder{}, map[string]interface{}{"field/a": "hello world"}, map[string]string{"a": "multi.entityX.fieldY"})
	if err != nil {
		t.Fatal(err)
	}
	want := domain.EntityPayloads{"entityX": {"fieldY": []string{"hello", "world"}}}
	if !reflect.DeepEqual(res.Payloads, want) {
		t.Errorf("payloads = %#v", res.Payloads)
	}
}

func TestRepeatBounds(t *testing.T) {
	raw := map[string]interface{}{
		"name": "x",
		"household": []interface{}{
			map[string]interface{}{"household/Age": "31"},
		},
	}
	res, err := build(t, &Builder{}, raw, map[string]string{
		"name":                   "Contact.name",
		"repeat.household.0.age": "Member.age",
		"repeat.household.5.age": "Member.old",
		"repeat.household.0.zzz": "Member.none",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Payloads["Member"]; !reflect.DeepEqual(got, map[string]interface{}{"age": "31"}) {
		t.Errorf("Member = %#v", got)
	}
}

func TestRelationUniqueness(t *testing.T) {
	fr := &fakeResolver{records: map[string][]domain.Record{
		"Account.name=North": {{"id": "acc-1"}},
		"Account.name=South": {{"id": "a"}, {"id": "b"}},
	}}
	headers := map[string]string{"village": "Contact.Account.name"}

	res, err := build(t, &Builder{Resolver: fr}, map[string]interface{}{"village": "North"}, headers)
	if err != nil {
		t.Fatal(err)
	}
	if res.Payloads["Contact"]["AccountId"] != "acc-1" {
		t.Errorf("payload = %#v", res.Payloads)
	}

	for _, v := range []string{"South", "Nowhere"} {
		_, err := build(t, &Builder{Resolver: fr}, map[string]interface{}{"village": v}, headers)
		var me *MappingError
		if !errors.As(err, &me) {
			t.Fatalf("%s: expected MappingError, got %v", v, err)
		}
		if v == "South" && !strings.Contains(me.Message, "Found 2 records") {
			t.Errorf("message = %s", me.Message)
		}
	}
}

func TestIntAndTextFields(t *testing.T) {
	b := &Builder{Policy: Policy{IntFields: []string{"maxPayments"}, TextFields: []string{"scope"}}}
	res, err := build(t, b, map[string]interface{}{"n": "3", "s": "Région Équateur"}, map[string]string{
		"n": "registration.maxPayments",
		"s": "registration.scope",
	})
	if err != nil {
		t.Fatal(err)
	}
	reg := res.Payloads["registration"]
	if reg["maxPayments"] != int64(3) {
		t.Errorf("maxPayments = %#v", reg["maxPayments"])
	}
	if reg["scope"] != "region equateur" {
		t.Errorf("scope = %#v", reg["scope"])
	}

	_, err = build(t, b, map[string]interface{}{"n": "three"}, map[string]string{"n": "registration.maxPayments"})
	var me *MappingError
	if !errors.As(err, &me) {
		t.Fatalf("expected MappingError, got %v", err)
	}
	if want := `header n: field maxPayments: "three" is not an integer`; me.Message != want {
		t.Errorf("message = %s, want %s", me.Message, want)
	}
}

func TestAttachmentRouting(t *testing.T) {
	raw := map[string]interface{}{"photo": "my photo.jpg"}
	headers := map[string]string{"photo": "Contact.picture"}
	idx := domain.AttachmentIndex{"my_photo.jpg": {URL: "https://kobo/photo", MimeType: "image/jpeg"}}

	ff := &fakeFetcher{data: []byte("abc")}
	inline, err := build(t, &Builder{Policy: Policy{Attachments: AttachInline}, Fetcher: ff, Attachments: idx}, raw, headers)
	if err != nil {
		t.Fatal(err)
	}
	if got := inline.Payloads["Contact"]["picture"]; got != "data:image/jpeg;base64,YWJj" {
		t.Errorf("inline = %v", got)
	}

	fr := &fakeResolver{}
	upload, err := build(t, &Builder{Policy: Policy{Attachments: AttachUpload}, Fetcher: ff, Resolver: fr, Attachments: idx}, raw, headers)
	if err != nil {
		t.Fatal(err)
	}
	if got := upload.Payloads["Contact"]; !reflect.DeepEqual(got, map[string]interface{}{"pictureId": "att-1"}) {
		t.Errorf("upload payload = %#v", got)
	}
	if len(fr.uploads) != 1 || fr.uploads[0].Entity != "Contact" || fr.uploads[0].Field != "picture" {
		t.Errorf("uploads = %#v", fr.uploads)
	}

	link, err := build(t, &Builder{Policy: Policy{Attachments: AttachLink}, Attachments: idx}, raw, headers)
	if err != nil {
		t.Fatal(err)
	}
	if got := link.Payloads["Contact"]["picture"]; got != "https://kobo/photo" {
		t.Errorf("link = %v", got)
	}
}

func TestAttachmentWithoutTokenFails(t *testing.T) {
	idx := domain.AttachmentIndex{"a.jpg": {URL: "https://kobo/a", MimeType: "image/jpeg"}}
	_, err := build(t, &Builder{Policy: Policy{Attachments: AttachInline}, Attachments: idx},
		map[string]interface{}{"photo": "a.jpg"}, map[string]string{"photo": "E.f"})
	if !errors.Is(err, kobo.ErrMissingToken) {
		t.Errorf("err = %v", err)
	}
}

func TestPreviewSkipsUploads(t *testing.T) {
	idx := domain.AttachmentIndex{"a.jpg": {URL: "https://kobo/a", MimeType: "image/jpeg"}}
	fr := &fakeResolver{}
	res, err := build(t, &Builder{Policy: Policy{Attachments: AttachUpload}, Resolver: fr, Attachments: idx, Preview: true},
		map[string]interface{}{"photo": "a.jpg"}, map[string]string{"photo": "E.f"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payloads["E"]["fId"] != "preview:a.jpg" || len(fr.uploads) != 0 {
		t.Errorf("payload = %#v uploads = %d", res.Payloads, len(fr.uploads))
	}
}

func TestMissingPolicies(t *testing.T) {
	raw := map[string]interface{}{"present": "yes"}
	headers := map[string]string{"present": "E.a", "absent": "E.b"}

	skip, err := build(t, &Builder{}, raw, headers)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := skip.Payloads["E"]["b"]; ok {
		t.Error("skip policy wrote a missing field")
	}

	empty, err := build(t, &Builder{Policy: Policy{Missing: MissingEmpty}}, raw, headers)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := empty.Payloads["E"]["b"]; !ok || v != "" {
		t.Errorf("empty policy b = %#v", v)
	}
}

func TestNoFieldsMapped(t *testing.T) {
	_, err := build(t, &Builder{}, map[string]interface{}{"x": "1"}, map[string]string{"y": "E.f"})
	var me *MappingError
	if !errors.As(err, &me) || me.Message != NoFieldsMessage {
		t.Errorf("err = %v", err)
	}
}

func TestUpdateRecordByIsConsumed(t *testing.T) {
	raw := map[string]interface{}{"updaterecordby": "+3161234", "name": "Ann"}
	res, err := build(t, &Builder{Policy: Policy{Missing: MissingEmpty}}, raw, map[string]string{
		"updaterecordby": "Contact.phoneNumber",
		"name":           "Contact.name",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := domain.UpdateKey{Field: "phoneNumber", Value: "+3161234"}
	if res.Updates["Contact"] != want {
		t.Errorf("updates = %#v", res.Updates)
	}
	if _, ok := res.Payloads["Contact"]["updaterecordby"]; ok {
		t.Error("updaterecordby leaked into the payload")
	}
}

func TestCleanText(t *testing.T) {
	if got := CleanText("Côte d'Ivoire"); got != "cote d'ivoire" {
		t.Errorf("CleanText = %q", got)
	}
}
