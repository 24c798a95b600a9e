package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/BaseRock-Technologies/bill-management/internal/domain"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

func jsonFieldName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// check runs struct validation and reports the first failing field by its
// JSON path.
func (a *API) check(v any) error {
	err := a.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		if fe.Param() != "" {
			return fmt.Errorf("%s failed %s=%s validation", path, fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%s failed %s validation", path, fe.Tag())
	}
	return err
}

func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := a.check(dest); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	product, err := a.service.CreateProduct(r.Context(), req.toDomain())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: "Product created", ID: product.Code, Code: product.Code})
}

func (a *API) handleListAllProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		a.failWith(w, r, err, "Product not found")
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	if _, err := a.service.UpdateProduct(r.Context(), chi.URLParam(r, "code"), req.toDomain()); err != nil {
		a.failWith(w, r, err, "Product not found")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Product updated"})
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteProduct(r.Context(), chi.URLParam(r, "code")); err != nil {
		a.failWith(w, r, err, "Product not found")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Product deleted"})
}

func (a *API) handleSearchProducts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.ProductFilter{NamePattern: query.Get("q")}

	var err error
	if filter.MinPrice, err = parseOptionalFloat("min_price", query.Get("min_price")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.MaxPrice, err = parseOptionalFloat("max_price", query.Get("max_price")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	skip, err := parseSkip(query.Get("skip"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	products, err := a.service.SearchProducts(r.Context(), filter, skip, parsePositiveLimit(query.Get("limit"), defaultPageSize, maxPageSize))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *API) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var req billRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	bill := req.toDomain()
	if strings.TrimSpace(req.Timestamp) != "" {
		ts, err := dateparse.ParseIn(strings.TrimSpace(req.Timestamp), time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("timestamp: %w", err))
			return
		}
		bill.Timestamp = ts
	}

	receipt, err := a.service.SettleBill(r.Context(), bill)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (a *API) handleListBills(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var (
		filter domain.BillFilter
		err    error
	)
	if filter.MinTotal, err = parseOptionalFloat("min_total", query.Get("min_total")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.MaxTotal, err = parseOptionalFloat("max_total", query.Get("max_total")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Start, err = parseDateBound("start_date", query.Get("start_date"), false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.End, err = parseDateBound("end_date", query.Get("end_date"), true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	skip, err := parseSkip(query.Get("skip"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	bills, err := a.service.ListBills(r.Context(), filter, skip, parsePositiveLimit(query.Get("limit"), defaultPageSize, maxPageSize))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bills)
}

func (a *API) handleGetBill(w http.ResponseWriter, r *http.Request) {
	bill, err := a.service.GetBill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.failWith(w, r, err, "Bill not found")
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	user, err := a.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	token, expiresAt, err := a.tokens.Issue(user.Username)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.LoginResponse{
		Message:     "Login successful",
		Username:    user.Username,
		AccessToken: token,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	user, err := a.service.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: "User created successfully", Username: user.Username})
}

func (a *API) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	if err := a.service.ChangePassword(r.Context(), req.Username, req.Password); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password updated successfully", Username: strings.ToLower(strings.TrimSpace(req.Username))})
}

// parseDateBound parses an ISO-8601 date or timestamp. A date-only upper
// bound covers the whole day.
func parseDateBound(name string, raw string, upper bool) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	ts, err := dateparse.ParseIn(trimmed, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an ISO-8601 date: %w", name, err)
	}
	if upper && isDateOnly(trimmed) {
		ts = ts.Add(24*time.Hour - time.Nanosecond)
	}
	return ts.UTC(), nil
}

func isDateOnly(value string) bool {
	_, err := time.Parse(time.DateOnly, value)
	return err == nil
}
