package attribute

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedResponse is wrapped when a provider body is not usable JSON.
var ErrMalformedResponse = errors.New("malformed provider response")

// Field aliases across billing providers. The first present path wins.
var (
	idPaths          = []string{"id", "_id"}
	ownerPaths       = []string{"owner_id", "ownerId", "user_id", "userId", "student_id", "studentId", "customer.id", "customer"}
	institutionPaths = []string{"institution_id", "institutionId", "institution.id", "institution._id"}
	poloPaths        = []string{"polo_id", "poloId", "polo.id", "polo._id"}
	subscriptionPath = []string{"subscription_status", "subscriptionStatus", "subscription.status"}
	paymentPaths     = []string{"payment_status", "paymentStatus", "payment.status", "invoice.status"}
	phasePaths       = []string{"institution_phase", "institutionPhase", "lifecycle_phase", "phase"}
	envelopePaths    = []string{"data", "customer", "result", "item"}
)

// Normalize converts a provider response into a Result. It accepts list
// envelopes ({"data":[...]}), object envelopes ({"data":{...}}), bare
// objects and {"errors":[...]} bodies. A 404, an empty list or a deleted
// record is NotFound.
func Normalize(kind TargetKind, statusCode int, body []byte) Result {
	switch {
	case statusCode == http.StatusNotFound:
		return NotFound()
	case statusCode >= 500:
		return Failed(fmt.Errorf("provider server error: status %d", statusCode))
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return Failed(fmt.Errorf("provider rejected credentials: status %d", statusCode))
	}

	if len(strings.TrimSpace(string(body))) == 0 || !gjson.ValidBytes(body) {
		return Failed(fmt.Errorf("%w: status %d", ErrMalformedResponse, statusCode))
	}
	doc := gjson.ParseBytes(body)

	if errs := doc.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		first := errs.Array()[0]
		code := strings.ToLower(first.Get("code").String())
		if strings.Contains(code, "not_found") || strings.Contains(code, "notfound") {
			return NotFound()
		}
		desc := first.Get("description").String()
		if desc == "" {
			desc = first.Get("message").String()
		}
		return Failed(fmt.Errorf("provider error %q: %s", code, desc))
	}
	if statusCode >= 400 {
		return Failed(fmt.Errorf("provider client error: status %d", statusCode))
	}

	record, ok := unwrap(doc)
	if !ok {
		return NotFound()
	}
	if record.Get("deleted").Bool() {
		return NotFound()
	}

	attrs := Attributes{
		ID:                 first(record, idPaths),
		OwnerID:            first(record, ownerPaths),
		InstitutionID:      first(record, institutionPaths),
		PoloID:             first(record, poloPaths),
		SubscriptionStatus: first(record, subscriptionPath),
		PaymentStatus:      first(record, paymentPaths),
		Phase:              first(record, phasePaths),
	}
	// A bare "status" belongs to whatever the record is: a payment for
	// entities, a subscription for institutions.
	if status := record.Get("status").String(); status != "" {
		switch kind {
		case TargetEntity:
			if attrs.PaymentStatus == "" {
				attrs.PaymentStatus = status
			}
		case TargetInstitution:
			if attrs.SubscriptionStatus == "" {
				attrs.SubscriptionStatus = status
			}
		}
	}
	attrs.SubscriptionStatus = strings.ToLower(attrs.SubscriptionStatus)
	attrs.PaymentStatus = strings.ToLower(attrs.PaymentStatus)
	attrs.Phase = strings.ToLower(attrs.Phase)

	if attrs == (Attributes{}) {
		return NotFound()
	}
	return Found(attrs)
}

// unwrap returns the record inside known envelopes.
func unwrap(doc gjson.Result) (gjson.Result, bool) {
	if doc.IsArray() {
		items := doc.Array()
		if len(items) == 0 {
			return gjson.Result{}, false
		}
		return unwrap(items[0])
	}
	if !doc.IsObject() {
		return gjson.Result{}, false
	}
	if first(doc, idPaths) != "" {
		return doc, true
	}
	for _, p := range envelopePaths {
		inner := doc.Get(p)
		if inner.IsArray() || inner.IsObject() {
			return unwrap(inner)
		}
	}
	return doc, true
}

func first(record gjson.Result, paths []string) string {
	for _, p := range paths {
		v := record.Get(p)
		if v.Exists() && v.Type != gjson.JSON && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
