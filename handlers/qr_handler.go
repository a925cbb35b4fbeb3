package handlers

import (
	"bytes"
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

// QRCodeHandler renders claim links as QR codes so a recipient can open
// the claim endpoint from a phone.
type QRCodeHandler struct {
	*BaseHandler
	escrow    *escrow.Escrow
	publicURL string
}

// NewQRCodeHandler creates a new QR code handler
func NewQRCodeHandler(logger *slog.Logger, svc *escrow.Escrow, publicURL string) *QRCodeHandler {
	return &QRCodeHandler{
		BaseHandler: NewBaseHandler(logger),
		escrow:      svc,
		publicURL:   strings.TrimRight(publicURL, "/"),
	}
}

// ClaimLink is the absolute claim URL of a recipient slot.
func ClaimLink(publicURL string, id escrow.TaskID, rid escrow.RecipientID) string {
	return fmt.Sprintf("%s/api/deposits/%s/recipients/%s/claim", strings.TrimRight(publicURL, "/"), id.Hex(), rid.Hex())
}

// EncodeQRCode renders content as a PNG QR code of size pixels.
func EncodeQRCode(content string, size int) ([]byte, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(size)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// HandleClaimQRCode handles QR code generation
// @Summary Claim link QR code
// @Description PNG QR code encoding the claim URL of a recipient slot.
// @Tags Recipients
// @Produce  png
// @Param task path string true "Task id"
// @Param recipient path string true "Recipient id"
// @Param size query int false "Image size in pixels" default(256)
// @Success 200 {file} binary
// @Failure 404 {object} models.APIResponse
// @Router /api/deposits/{task}/recipients/{recipient}/qr [get]
func (h *QRCodeHandler) HandleClaimQRCode(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	rid, err := recipientParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	size, err := queryInt(r, "size", defaultQRSize)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	if size < minQRSize || size > maxQRSize {
		h.sendError(w, http.StatusBadRequest, "invalid_params",
			fmt.Sprintf("size must be between %d and %d", minQRSize, maxQRSize))
		return
	}
	if _, err := h.escrow.ViewRecipient(r.Context(), id, rid); err != nil {
		h.sendFailure(w, r, err)
		return
	}

	data, err := EncodeQRCode(ClaimLink(h.publicURL, id, rid), size)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("write qr code", "error", err)
	}
}
