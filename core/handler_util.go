package core

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// respondError sends unified error payload {"error": {"code", "message"}}.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

const defaultPerPage = 20

// parsePage reads a 1-based page number; empty means page 1.
func parsePage(pageStr string) (int, error) {
	if strings.TrimSpace(pageStr) == "" {
		return 1, nil
	}
	p, err := strconv.Atoi(pageStr)
	if err != nil || p <= 0 {
		return 0, errors.New("page は 1 以上の整数で指定してください")
	}
	return p, nil
}

func calcTotalPages(total, perPage int) int {
	if perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

// parseBoolQuery treats an absent value as false.
func parseBoolQuery(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
