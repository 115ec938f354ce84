package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"propflow/auth"
	"propflow/authz"
	"propflow/lifecycle"
)

func allowedUserActions(c *gin.Context, status lifecycle.UserStatus) []string {
	rel := authz.RelStranger
	if currentActor(c).Admin() {
		rel = authz.RelAdmin
	}
	return authz.Strings(authz.ForUser(status, rel))
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"full_name" binding:"required"`
	Role     string `json:"role" binding:"required"`
}

func (h HandlerSet) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.auth.Register(c.Request.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Role:     lifecycle.Role(req.Role),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": newUserResponse(*user)})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.auth.Login(c.Request.Context(), auth.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	sendLoginResult(c, result)
}

type verifyOTPRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

func (h HandlerSet) VerifyLoginOTP(c *gin.Context) {
	var req verifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.auth.VerifyLoginOTP(c.Request.Context(), req.UserID, req.Code, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		respondError(c, err)
		return
	}

	sendLoginResult(c, result)
}

func sendLoginResult(c *gin.Context, result auth.LoginResult) {
	if result.RequiresOTP {
		c.JSON(http.StatusAccepted, gin.H{
			"requires_otp": true,
			"user":         newUserResponse(result.User),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": result.Token,
		"user":  newUserResponse(result.User),
	})
}

func (h HandlerSet) Logout(c *gin.Context) {
	if err := h.auth.Logout(c.Request.Context(), currentSessionID(c), currentActor(c).ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) Me(c *gin.Context) {
	user, err := h.auth.GetUserByID(c.Request.Context(), currentActor(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": newUserResponse(*user)})
}

func (h HandlerSet) GetUser(c *gin.Context) {
	user, err := h.auth.GetUserByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := newUserResponse(*user)
	c.JSON(http.StatusOK, gin.H{
		"user":            resp,
		"allowed_actions": allowedUserActions(c, user.Status),
	})
}

type reviewUserRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h HandlerSet) ReviewUser(c *gin.Context) {
	var req reviewUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.auth.ReviewUser(c.Request.Context(), currentActor(c).ID, c.Param("id"), lifecycle.UserStatus(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":            newUserResponse(user),
		"allowed_actions": allowedUserActions(c, user.Status),
	})
}
