package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"tableside/internal/apperr"
	"tableside/internal/models"
	"tableside/internal/occupancy"
	"tableside/internal/ordering"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var errInvalidJSON = errors.New("invalid JSON payload")

// decodeBody reads a JSON body into dst and runs the struct validation tags.
// Malformed JSON yields errInvalidJSON; failed tags yield a validation error.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errInvalidJSON
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return apperr.Validation("%s", describeFieldError(fieldErrs[0]))
		}
		return apperr.Validation("%s", err.Error())
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

type customerRequest struct {
	Name   string `json:"name" validate:"max=120"`
	Phone  string `json:"phone" validate:"max=40"`
	Guests int    `json:"guests" validate:"gte=0"`
}

// customerFields accepts the customer either nested or flattened into the
// request body, as older clients send it.
type customerFields struct {
	Customer        *customerRequest `json:"customer,omitempty"`
	CustomerDetails *customerRequest `json:"customerDetails,omitempty"`
	CustomerName    string           `json:"customerName,omitempty" validate:"max=120"`
	CustomerPhone   string           `json:"customerPhone,omitempty" validate:"max=40"`
	Guests          int              `json:"guests,omitempty" validate:"gte=0"`
}

func (c customerFields) toCustomer() models.Customer {
	nested := c.Customer
	if nested == nil {
		nested = c.CustomerDetails
	}
	if nested != nil {
		return models.Customer{Name: nested.Name, Phone: nested.Phone, Guests: nested.Guests}
	}
	return models.Customer{Name: c.CustomerName, Phone: c.CustomerPhone, Guests: c.Guests}
}

type itemRequest struct {
	MenuItemID string           `json:"menuItemId,omitempty"`
	Name       string           `json:"name,omitempty"`
	ItemCode   string           `json:"itemCode,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Quantity   int              `json:"quantity" validate:"gte=1,lte=99"`
}

type placeOrderRequest struct {
	TableID      string        `json:"tableId,omitempty"`
	GuestSession string        `json:"guestSession,omitempty"`
	Items        []itemRequest `json:"items" validate:"required,min=1,dive"`
	customerFields
}

func (req placeOrderRequest) toInput() ordering.PlaceInput {
	items := make([]ordering.ItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		in := ordering.ItemInput{
			MenuItemID: strings.TrimSpace(item.MenuItemID),
			Name:       item.Name,
			ItemCode:   item.ItemCode,
			Quantity:   item.Quantity,
		}
		if item.Price != nil {
			in.UnitPrice = *item.Price
		}
		items = append(items, in)
	}
	return ordering.PlaceInput{
		TableID:      strings.TrimSpace(req.TableID),
		GuestSession: strings.TrimSpace(req.GuestSession),
		Customer:     req.toCustomer(),
		Items:        items,
	}
}

type orderStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type createTableRequest struct {
	TableNo int `json:"tableNo" validate:"gt=0"`
	Seats   int `json:"seats" validate:"gt=0,lte=100"`
}

func (req createTableRequest) toInput() occupancy.CreateTableInput {
	return occupancy.CreateTableInput{TableNo: req.TableNo, Seats: req.Seats}
}

type updateTableRequest struct {
	Status   string `json:"status" validate:"required"`
	OrderRef string `json:"orderRef,omitempty"`
}

type bookingRequest struct {
	ReservationDateTime string `json:"reservationDateTime" validate:"required"`
	Notes               string `json:"notes,omitempty" validate:"max=500"`
	customerFields
}

// Layouts accepted for reservationDateTime. The zone-less forms are what a
// datetime-local input submits.
var reservationLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

func parseReservationTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return at, nil
	}
	for _, layout := range reservationLayouts {
		if at, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return at, nil
		}
	}
	return time.Time{}, apperr.Validation("reservationDateTime %q is not a valid date and time", raw)
}

func (req bookingRequest) toInput(loc *time.Location) (occupancy.BookingInput, error) {
	at, err := parseReservationTime(req.ReservationDateTime, loc)
	if err != nil {
		return occupancy.BookingInput{}, err
	}
	return occupancy.BookingInput{
		Customer:      req.toCustomer(),
		ReservationAt: at,
		Notes:         req.Notes,
	}, nil
}
