package directory

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ApiError is the JSON body of every non-2xx response.
type ApiError struct {
	// Code is the HTTP status code
	Code int `json:"code"`
	// Message is the error message
	Message string `json:"message"`
}

func (e ApiError) Error() string { return fmt.Sprintf("%d %s", e.Code, e.Message) }

// ApiErrorf aborts the request with an ApiError body.
func ApiErrorf(c *gin.Context, code int, format string, args ...interface{}) ApiError {
	ar := ApiError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
	c.AbortWithStatusJSON(code, ar)
	return ar
}

// ValidatorErrorToUser flattens validation errors into one message.
func ValidatorErrorToUser(err validator.ValidationErrors) string {
	var errorMessages []string
	for _, err := range err {
		switch err.Tag() {
		case "required":
			errorMessages = append(errorMessages, fmt.Sprintf("%s is required", err.Field()))
		case "oneof":
			errorMessages = append(errorMessages, fmt.Sprintf("%s must be one of %s", err.Field(), err.Param()))
		case "base64":
			errorMessages = append(errorMessages, fmt.Sprintf("%s is not valid base64", err.Field()))
		default:
			errorMessages = append(errorMessages, fmt.Sprintf("validation failed on field %s", err.Field()))
		}
	}
	return strings.Join(errorMessages, ". ")
}
