package main

import (
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/masa23/formd/entrystore"
	"github.com/masa23/formd/model"
	"github.com/masa23/formd/objectstorage"
)

type entryList struct {
	Total   int64         `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Entries []model.Entry `json:"entries"`
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, time.Local)
}

func listEntries(c echo.Context) error {
	var f entrystore.Filter
	if v := c.QueryParam("form_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "Invalid form_id")
		}
		f.FormID = id
	}
	if v := c.QueryParam("status"); v != "" {
		f.Status = model.Status(v)
		if !f.Status.Valid() {
			return errorJSON(c, http.StatusBadRequest, "Invalid status")
		}
	}

	var err error
	if f.From, err = parseDate(c.QueryParam("from")); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid from date")
	}
	if f.To, err = parseDate(c.QueryParam("to")); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid to date")
	}
	if len(c.QueryParam("to")) == len("2006-01-02") {
		// 日付だけの指定はその日の終わりまで含める
		f.To = f.To.AddDate(0, 0, 1)
	}
	f.Page, _ = strconv.Atoi(c.QueryParam("page"))
	f.PerPage, _ = strconv.Atoi(c.QueryParam("per_page"))
	f = f.Normalized()

	list, total, err := entries.List(c.Request().Context(), f)
	if err != nil {
		log.Printf("list entries: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to fetch entries")
	}
	if list == nil {
		list = []model.Entry{}
	}
	return c.JSON(http.StatusOK, entryList{Total: total, Page: f.Page, PerPage: f.PerPage, Entries: list})
}

// entryOr404 loads the entry named by the id path parameter.
func entryOr404(c echo.Context) (*model.Entry, error) {
	id, ok := paramID(c)
	if !ok {
		return nil, errorJSON(c, http.StatusNotFound, "Entry not found")
	}
	entry, err := entries.Get(c.Request().Context(), id)
	if errors.Is(err, entrystore.ErrNotFound) {
		return nil, errorJSON(c, http.StatusNotFound, "Entry not found")
	}
	if err != nil {
		log.Printf("get entry %d: %v", id, err)
		return nil, errorJSON(c, http.StatusInternalServerError, "Failed to fetch entry")
	}
	return entry, nil
}

func getEntry(c echo.Context) error {
	entry, err := entryOr404(c)
	if entry == nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

type statusRequest struct {
	Status model.Status `json:"status" form:"status"`
}

func updateStatus(c echo.Context) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "Entry not found")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid request")
	}
	err := entries.UpdateStatus(c.Request().Context(), id, req.Status)
	switch {
	case errors.Is(err, entrystore.ErrInvalidStatus):
		return errorJSON(c, http.StatusBadRequest, "Invalid status")
	case errors.Is(err, entrystore.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "Entry not found")
	case err != nil:
		log.Printf("update entry %d status: %v", id, err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to update status")
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "status": req.Status})
}

func resendEntry(c echo.Context) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "Entry not found")
	}
	res, err := service.Resend(c.Request().Context(), id)
	if errors.Is(err, entrystore.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "Entry not found")
	}
	if err != nil && res == nil {
		log.Printf("resend entry %d: %v", id, err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to resend")
	}
	if err != nil {
		log.Printf("resend entry %d: %v", id, err)
	}
	return c.JSON(http.StatusOK, res)
}

func deleteEntry(c echo.Context) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "Entry not found")
	}
	err := entries.Delete(c.Request().Context(), id)
	if errors.Is(err, entrystore.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "Entry not found")
	}
	if err != nil {
		log.Printf("delete entry %d: %v", id, err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to delete entry")
	}
	return c.NoContent(http.StatusNoContent)
}

func downloadFile(c echo.Context) error {
	entry, err := entryOr404(c)
	if entry == nil {
		return err
	}
	set, ok := entry.Files[c.Param("field")]
	index, perr := strconv.Atoi(c.Param("index"))
	if !ok || perr != nil || index < 0 || index >= len(set.All()) {
		return errorJSON(c, http.StatusNotFound, "File not found")
	}
	file := set.All()[index]

	r, err := storage.Open(c.Request().Context(), file.StoredPath)
	if errors.Is(err, objectstorage.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "File not found")
	}
	if err != nil {
		log.Printf("entry %d: open %s: %v", entry.ID, file.StoredPath, err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to open file")
	}
	defer r.Close()

	name := file.OriginalName
	if name == "" {
		name = file.Name
	}
	ctype := file.MimeType
	if ctype == "" {
		ctype = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	c.Response().Header().Set(echo.HeaderContentType, ctype)
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), r)
	return err
}
