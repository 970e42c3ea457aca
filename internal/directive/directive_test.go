package directive

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseVariants(t *testing.T) {
	headers := map[string]string{
		"Name":                   "Contact.firstName",
		"multi.colors":           "Contact.colors",
		"a":                      "multi.entityX.fieldY",
		"repeat.household.1.age": "Member.age",
		"village":                "Contact.account.name",
		"updaterecordby":         "Contact.phone",
		"targeturl":              "https://crm.example",
		"kobotoken":              "secret",
		"four":                   "a.b.c.d",
		"single":                 "fieldOnly",
		"empty":                  "",
	}

	got, err := Parse(headers, Options{Delimiter: ".", Reserved: DefaultReserved})
	if err != nil {
		t.Fatal(err)
	}

	want := []Directive{
		Multi{Header: "a", Source: "a", Entity: "entityX", Field: "fieldY"},
		Multi{Header: "multi.colors", Source: "colors", Entity: "Contact", Field: "colors"},
		Plain{Header: "name", Source: "name", Entity: "Contact", Field: "firstName"},
		Repeat{Header: "repeat.household.1.age", Source: "household", Index: 1, SubField: "age", Entity: "Member", Field: "age"},
		Control{Name: "updaterecordby", Entity: "Contact", Field: "phone"},
		Relation{Header: "village", Source: "village", Entity: "Contact", LinkedEntity: "account", RelatedField: "name"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse mismatch\n got: %#v\nwant: %#v", got, want)
	}
}

func TestParseColonDelimiterAndDefaultEntity(t *testing.T) {
	headers := map[string]string{
		"multi:skills":         "UF_SKILLS",
		"repeat:kids:0:name":   "item:UF_CHILD",
		"title":                "TITLE",
		"entitytypeid":         "1036",
		"dotted.not.a.segment": "x",
	}
	got, err := Parse(headers, Options{Delimiter: ":", DefaultEntity: "item", Reserved: DefaultReserved})
	if err != nil {
		t.Fatal(err)
	}
	want := []Directive{
		Plain{Header: "dotted.not.a.segment", Source: "dotted.not.a.segment", Entity: "item", Field: "x"},
		Multi{Header: "multi:skills", Source: "skills", Entity: "item", Field: "UF_SKILLS"},
		Repeat{Header: "repeat:kids:0:name", Source: "kids", Index: 0, SubField: "name", Entity: "item", Field: "UF_CHILD"},
		Plain{Header: "title", Source: "title", Entity: "item", Field: "TITLE"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse mismatch\n got: %#v\nwant: %#v", got, want)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"repeat missing subfield", map[string]string{"repeat.household.1": "Member.age"}},
		{"repeat bad index", map[string]string{"repeat.household.x.age": "Member.age"}},
		{"updaterecordby one segment", map[string]string{"updaterecordby": "Contact"}},
		{"multi relation", map[string]string{"multi.a": "Contact.account.name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.headers, Options{Delimiter: "."})
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %v", err)
			}
		})
	}
}

func TestParseIsDeterministic(t *testing.T) {
	headers := map[string]string{"b": "E.b", "a": "E.a", "c": "E.c"}
	first, _ := Parse(headers, Options{})
	for i := 0; i < 20; i++ {
		again, _ := Parse(headers, Options{})
		if !reflect.DeepEqual(first, again) {
			t.Fatal("order changed between runs")
		}
	}
	if HeaderOf(first[0]) != "a" {
		t.Errorf("first header = %s", HeaderOf(first[0]))
	}
}
