package api

import "github.com/gin-gonic/gin"

// Machine-readable error codes returned alongside HTTP statuses.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeEmailExists         = "EMAIL_EXISTS"
	CodeNotMember           = "NOT_MEMBER"
	CodeNotOwner            = "NOT_OWNER"
	CodeRoleTooLow          = "ROLE_TOO_LOW"
	CodeRoomNotFound        = "ROOM_NOT_FOUND"
	CodeRoomFull            = "ROOM_FULL"
	CodeAlreadyMember       = "ALREADY_MEMBER"
	CodeBadPassword         = "BAD_PASSWORD"
	CodeNeedPassword        = "NEED_PASSWORD"
	CodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	CodeSourceTooLarge      = "SOURCE_TOO_LARGE"
	CodeForbiddenPattern    = "FORBIDDEN_PATTERN"
	CodeInternal            = "INTERNAL_ERROR"
)

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, message, code string) {
	c.JSON(status, gin.H{"success": false, "error": message, "code": code})
}
