package handlers

import (
	"encoding/csv"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/staydesk/backend/internal/models"
)

type ImportSummary struct {
	Bookings struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
		Errors   int `json:"errors"`
	} `json:"bookings"`
	Messages struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
		Errors   int `json:"errors"`
	} `json:"messages"`
	Errors []string `json:"errors"`
}

var csvTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"}

// @Summary Import CSV data
// @Description Upload bookings and/or guest messages as CSV files
// @Tags import
// @Accept multipart/form-data
// @Produce json
// @Param bookings formData file false "bookings.csv"
// @Param messages formData file false "messages.csv"
// @Success 200 {object} ImportSummary
// @Failure 400 {object} map[string]any
// @Router /api/import [post]
func (h *Handler) Import(c *gin.Context) {
	bookingsFile, _ := c.FormFile("bookings")
	messagesFile, _ := c.FormFile("messages")
	if bookingsFile == nil && messagesFile == nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "bookings or messages file required", nil)
		return
	}
	for _, f := range []*multipart.FileHeader{bookingsFile, messagesFile} {
		if f != nil && !validateExt(f.Filename) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "all files must be .csv", nil)
			return
		}
	}

	summary := ImportSummary{Errors: []string{}}
	var (
		bookings []models.Booking
		messages []models.Message
	)
	if bookingsFile != nil {
		var errs []string
		bookings, errs = parseBookingsCSV(bookingsFile)
		summary.Bookings.Parsed = len(bookings)
		summary.Bookings.Errors = len(errs)
		summary.Errors = append(summary.Errors, errs...)
	}
	if messagesFile != nil {
		var errs []string
		messages, errs = parseMessagesCSV(messagesFile, h.now())
		summary.Messages.Parsed = len(messages)
		summary.Messages.Errors = len(errs)
		summary.Errors = append(summary.Errors, errs...)
	}
	if len(summary.Errors) > 0 {
		writeError(c, http.StatusBadRequest, "CSV_PARSE_ERROR", "CSV validation errors", summary.Errors)
		return
	}

	ctx := c.Request.Context()
	if len(bookings) > 0 {
		inserted, err := h.Store.InsertBookings(ctx, bookings)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to insert bookings", err.Error())
			return
		}
		summary.Bookings.Inserted = int(inserted)
	}
	if len(messages) > 0 {
		inserted, err := h.Store.InsertMessages(ctx, messages)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to insert messages", err.Error())
			return
		}
		summary.Messages.Inserted = int(inserted)
	}
	h.Logger.Info().
		Int("bookings", summary.Bookings.Inserted).
		Int("messages", summary.Messages.Inserted).
		Msg("csv import")
	c.JSON(http.StatusOK, summary)
}

func parseBookingsCSV(file *multipart.FileHeader) ([]models.Booking, []string) {
	f, err := file.Open()
	if err != nil {
		return nil, []string{err.Error()}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	headers, err := reader.Read()
	if err != nil {
		return nil, []string{"failed to read header"}
	}
	index := headerIndex(headers)
	var errors []string
	var out []models.Booking

	for line := 2; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errors = append(errors, err.Error())
			continue
		}

		id := getFieldAny(rec, index, "id", "booking_id", "booking id")
		guest := getFieldAny(rec, index, "guest_name", "guest name", "guest")
		property := getFieldAny(rec, index, "property", "listing")
		checkIn, errIn := parseCSVTime(getFieldAny(rec, index, "check_in", "check in", "checkin"))
		checkOut, errOut := parseCSVTime(getFieldAny(rec, index, "check_out", "check out", "checkout"))

		if guest == "" || property == "" {
			errors = append(errors, fmt.Sprintf("bookings line %d: guest_name and property required", line))
			continue
		}
		if errIn != nil || errOut != nil {
			errors = append(errors, fmt.Sprintf("bookings line %d: invalid check_in/check_out", line))
			continue
		}
		if !checkOut.After(checkIn) {
			errors = append(errors, fmt.Sprintf("bookings line %d: check_out must be after check_in", line))
			continue
		}
		if id == "" {
			id = fmt.Sprintf("b%d", len(out)+1)
		}
		out = append(out, models.Booking{
			ID:        id,
			GuestName: guest,
			Property:  property,
			CheckIn:   checkIn,
			CheckOut:  checkOut,
		})
	}
	return out, errors
}

func parseMessagesCSV(file *multipart.FileHeader, now time.Time) ([]models.Message, []string) {
	f, err := file.Open()
	if err != nil {
		return nil, []string{err.Error()}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	headers, err := reader.Read()
	if err != nil {
		return nil, []string{"failed to read header"}
	}
	index := headerIndex(headers)
	var errors []string
	var out []models.Message

	for line := 2; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errors = append(errors, err.Error())
			continue
		}

		id := getFieldAny(rec, index, "id", "message_id", "message id")
		guest := getFieldAny(rec, index, "guest_name", "guest name", "guest")
		content := getFieldAny(rec, index, "content", "message", "text")
		platform := getFieldAny(rec, index, "platform", "channel")
		if guest == "" || content == "" {
			errors = append(errors, fmt.Sprintf("messages line %d: guest_name and content required", line))
			continue
		}
		ts := now
		if raw := getFieldAny(rec, index, "timestamp", "sent_at", "time"); raw != "" {
			parsed, err := parseCSVTime(raw)
			if err != nil {
				errors = append(errors, fmt.Sprintf("messages line %d: invalid timestamp", line))
				continue
			}
			ts = parsed
		}
		if id == "" {
			id = "msg_" + uuid.NewString()
		}
		if platform == "" {
			platform = "Airbnb"
		}
		out = append(out, models.Message{
			ID:        id,
			GuestName: guest,
			Platform:  platform,
			Content:   content,
			Timestamp: ts,
			Status:    models.MessageNew,
			Author:    models.AuthorGuest,
		})
	}
	return out, errors
}

func parseCSVTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}

func headerIndex(headers []string) map[string]int {
	idx := map[string]int{}
	for i, h := range headers {
		idx[normalizeHeader(h)] = i
	}
	return idx
}

func getField(rec []string, idx map[string]int, name string) string {
	pos, ok := idx[name]
	if !ok || pos >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[pos])
}

func getFieldAny(rec []string, idx map[string]int, names ...string) string {
	for _, name := range names {
		if v := getField(rec, idx, normalizeHeader(name)); v != "" {
			return v
		}
	}
	return ""
}

func normalizeHeader(h string) string {
	h = strings.ReplaceAll(h, "\ufeff", "")
	return strings.ToLower(strings.TrimSpace(h))
}

func validateExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".csv"
}
