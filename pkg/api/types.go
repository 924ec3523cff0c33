package api

import "github.com/imagegate/imagegate/pkg/store"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"` // sha256 hex of the plaintext
}

type loginResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"` // sha256 hex
	Role     string `json:"role"`
	Quota    int    `json:"quota"`
}

type updateUserRequest struct {
	Quota    *int    `json:"quota"`
	Password *string `json:"password"` // sha256 hex
}

type consumeRequest struct {
	Count *int `json:"count"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type createCodesRequest struct {
	Count int `json:"count"`
	Quota int `json:"quota"`
}

type addHistoryRequest struct {
	Prompt    string                `json:"prompt"`
	ImageURL  string                `json:"image_url"`
	Options   store.GenerateOptions `json:"options"`
	RefImages []string              `json:"ref_images"`
}

type uploadImageRequest struct {
	Image    string `json:"image"` // base64 or data-URL
	MimeType string `json:"mimeType"`
}

type uploadImageResponse struct {
	Success  bool   `json:"success"`
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	Size     int    `json:"size"`
}
