package core

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// NewRouter constructs the Gin engine with routes wired.
func NewRouter(cfg Config, cookieStore *sessions.CookieStore, db *pgxpool.Pool, redisClient *redis.Client) *gin.Engine {
	r := gin.Default()

	r.Use(OriginRefererMiddleware(cfg))

	userRepo := NewPgUserRepository(db)
	assignmentRepo := NewPgAssignmentRepository(db)
	submissionRepo := NewPgSubmissionRepository(db)
	batchRepo := NewPgBatchRepository(db)
	loginRepo := NewPgLoginHistoryRepository(db)
	notifier := NewRedisQueueNotifier(redisClient)

	codec := NewTokenCodec(cfg.SecretKey)
	auth := NewAuthService(cfg, codec, userRepo, loginRepo)
	judge := NewJudgeService(cfg, assignmentRepo, submissionRepo, notifier)
	orchestrator := NewBatchOrchestrator(cfg, assignmentRepo, submissionRepo, batchRepo, userRepo, notifier)
	results := NewResultService(cfg, assignmentRepo, submissionRepo, batchRepo)

	r.GET("/healthz", func(c *gin.Context) {
		pending, err := notifier.PendingCount(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "pending_judges": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pending_judges": pending})
	})

	api := r.Group("/api/v1")

	authorize := api.Group("/authorize")
	{
		// OAuth2 password grant. Sets the refresh token as an HttpOnly cookie.
		authorize.POST("/token", func(c *gin.Context) {
			username := c.PostForm("username")
			password := c.PostForm("password")
			var scopes []string
			if raw := strings.TrimSpace(c.PostForm("scope")); raw != "" {
				scopes = strings.Fields(raw)
			}
			if strings.TrimSpace(username) == "" || password == "" {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "usernameとpasswordは必須です")
				return
			}

			pair, user, err := auth.Login(c.Request.Context(), username, password, scopes)
			if err != nil {
				if errors.Is(err, ErrForbidden) {
					respondError(c, http.StatusForbidden, "FORBIDDEN", "要求されたスコープは許可されていません")
					return
				}
				respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "ユーザーIDまたはパスワードが違います。")
				return
			}

			if err := setRefreshCookie(cfg, cookieStore, c, pair.RefreshToken, int(cfg.RefreshTokenLifetime.Seconds())); err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to set refresh cookie")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"access_token": pair.AccessToken,
				"token_type":   "bearer",
				"login_time":   pair.AccessPayload.Login.Format("2006-01-02 15:04:05"),
				"user_id":      user.UserID,
				"role":         user.Role,
			})
		})

		// Rotate tokens once the access token has expired. Both tokens are
		// rewritten; rotation is the hook for the refresh-count bound.
		authorize.GET("/token/update", func(c *gin.Context) {
			accessToken := bearerToken(c)
			if accessToken == "" {
				respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "認証情報がありません。再ログインしてください。")
				return
			}
			refreshToken := refreshCookieToken(cookieStore, c)
			if refreshToken == "" {
				respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "リフレッシュトークンがありません。再ログインしてください。")
				return
			}

			pair, refreshed, err := auth.Refresh(c.Request.Context(), accessToken, refreshToken)
			if err != nil {
				clearRefreshCookie(cfg, cookieStore, c)
				respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "トークンを更新できません。再ログインしてください。")
				return
			}
			if refreshed {
				if err := setRefreshCookie(cfg, cookieStore, c, pair.RefreshToken, int(cfg.RefreshTokenLifetime.Seconds())); err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to set refresh cookie")
					return
				}
			}
			c.JSON(http.StatusOK, gin.H{
				"access_token": pair.AccessToken,
				"token_type":   "bearer",
				"refreshed":    refreshed,
			})
		})

		authorize.POST("/token/validate", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"is_valid": auth.Validate(bearerToken(c))})
		})

		authorize.POST("/logout", func(c *gin.Context) {
			token := bearerToken(c)
			if token == "" {
				respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "認証情報がありません。")
				return
			}
			if err := auth.Logout(c.Request.Context(), token); err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "トークンが無効です。")
					return
				}
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "ログアウト処理に失敗しました")
				return
			}
			clearRefreshCookie(cfg, cookieStore, c)
			c.JSON(http.StatusOK, gin.H{"msg": "ログアウトに成功しました。"})
		})
	}

	assignments := api.Group("/assignments")
	{
		// Lecture list; all=true (admin/manager) includes non-public windows.
		assignments.GET("/info", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
			user := mustCurrentUser(c)
			all := parseBoolQuery(c.Query("all"))
			if all && !user.Role.Privileged() {
				respondError(c, http.StatusForbidden, "FORBIDDEN", "権限がありません")
				return
			}
			lectures, err := assignmentRepo.ListLectures(c.Request.Context())
			if err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch lectures")
				return
			}
			if !all {
				now := time.Now()
				visible := lectures[:0]
				for _, l := range lectures {
					if l.IsPublic(now) {
						visible = append(visible, l)
					}
				}
				lectures = visible
			}
			c.JSON(http.StatusOK, gin.H{"lectures": lectures})
		})

		assignments.GET("/info/:lecture_id/:assignment_id/detail", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
			user := mustCurrentUser(c)
			lectureID, assignmentID, ok := parseProblemKey(c)
			if !ok {
				return
			}
			eval := parseBoolQuery(c.Query("eval"))
			if eval && !user.Role.Privileged() {
				respondError(c, http.StatusForbidden, "FORBIDDEN", "採点リソースへのアクセス権限がありません")
				return
			}

			ctx := c.Request.Context()
			lecture, err := assignmentRepo.GetLecture(ctx, lectureID)
			if err != nil {
				respondError(c, http.StatusNotFound, "NOT_FOUND", "授業エントリが見つかりません")
				return
			}
			if !user.Role.Privileged() && !lecture.IsPublic(time.Now()) {
				respondError(c, http.StatusNotFound, "NOT_FOUND", "授業エントリが見つかりません")
				return
			}

			problem, err := assignmentRepo.GetProblem(ctx, lectureID, assignmentID, eval, true)
			if err != nil {
				respondError(c, http.StatusNotFound, "NOT_FOUND", "課題エントリが見つかりません")
				return
			}
			c.JSON(http.StatusOK, problemDetailResponse(problem))
		})

		assignments.GET("/info/:lecture_id/:assignment_id/description", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
			user := mustCurrentUser(c)
			lectureID, assignmentID, ok := parseProblemKey(c)
			if !ok {
				return
			}
			ctx := c.Request.Context()
			lecture, err := assignmentRepo.GetLecture(ctx, lectureID)
			if err != nil {
				respondError(c, http.StatusNotFound, "NOT_FOUND", "授業エントリが見つかりません")
				return
			}
			if !user.Role.Privileged() && !lecture.IsPublic(time.Now()) {
				respondError(c, http.StatusNotFound, "NOT_FOUND", "授業エントリが見つかりません")
				return
			}
			problem, err := assignmentRepo.GetProblem(ctx, lectureID, assignmentID, false, false)
			if err != nil {
				respondError(c, http.StatusNotFound, "NOT_FOUND", "課題エントリが見つかりません")
				return
			}
			text, err := os.ReadFile(problem.DescriptionPath)
			if err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "課題文の読み込みに失敗しました")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"lecture_id":    problem.LectureID,
				"assignment_id": problem.AssignmentID,
				"title":         problem.Title,
				"description":   string(text),
			})
		})

		// Single-submission ingestion.
		assignments.POST("/judge/:lecture_id/:assignment_id", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
			user := mustCurrentUser(c)
			lectureID, assignmentID, ok := parseProblemKey(c)
			if !ok {
				return
			}
			eval := parseBoolQuery(c.Query("eval"))

			form, err := c.MultipartForm()
			if err != nil || len(form.File["file_list"]) == 0 {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "file_list にファイルを指定してください")
				return
			}
			var inputs []UploadInput
			var closers []func()
			for _, fh := range form.File["file_list"] {
				f, err := fh.Open()
				if err != nil {
					respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "ファイルを開けません")
					return
				}
				closers = append(closers, func() { f.Close() })
				inputs = append(inputs, UploadInput{Name: filepath.Base(fh.Filename), Reader: f})
			}
			defer func() {
				for _, cl := range closers {
					cl()
				}
			}()

			sub, err := judge.SingleJudge(c.Request.Context(), user, lectureID, assignmentID, eval, inputs)
			if err != nil {
				respondServiceError(c, err)
				return
			}
			c.JSON(http.StatusOK, sub)
		})

		// Whole-lecture self check.
		assignments.POST("/judge/:lecture_id", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
			user := mustCurrentUser(c)
			lectureID, ok := parseLectureID(c)
			if !ok {
				return
			}
			eval := parseBoolQuery(c.Query("eval"))

			fh, err := c.FormFile("uploaded_zip_file")
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "uploaded_zip_file にzipを指定してください")
				return
			}
			f, err := fh.Open()
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "ファイルを開けません")
				return
			}
			defer f.Close()

			subs, err := judge.SelfCheck(c.Request.Context(), user, lectureID, eval, filepath.Base(fh.Filename), f)
			if err != nil {
				respondServiceError(c, err)
				return
			}
			c.JSON(http.StatusOK, subs)
		})

		// Batch orchestration.
		assignments.POST("/batch/:lecture_id", RequireScopes(auth, ScopeBatch), func(c *gin.Context) {
			user := mustCurrentUser(c)
			lectureID, ok := parseLectureID(c)
			if !ok {
				return
			}
			eval := parseBoolQuery(c.Query("eval"))

			fh, err := c.FormFile("uploaded_zip_file")
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "uploaded_zip_file にzipを指定してください")
				return
			}
			f, err := fh.Open()
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "ファイルを開けません")
				return
			}
			defer f.Close()

			batch, err := orchestrator.BatchJudge(c.Request.Context(), user, lectureID, eval, filepath.Base(fh.Filename), f)
			if err != nil {
				respondServiceError(c, err)
				return
			}
			c.JSON(http.StatusOK, batch)
		})

		status := assignments.Group("/status")
		{
			status.GET("/submissions/view", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
				user := mustCurrentUser(c)
				page, err := parsePage(c.Query("page"))
				if err != nil {
					respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
					return
				}

				filter := SubmissionListFilter{UserID: user.UserID, IncludeEval: false}
				if user.Role.Privileged() {
					filter.IncludeEval = parseBoolQuery(c.Query("include_eval"))
					if parseBoolQuery(c.Query("all")) {
						filter.UserID = ""
					}
				}

				items, total, err := submissionRepo.List(c.Request.Context(), filter, page, defaultPerPage)
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch submissions")
					return
				}
				c.JSON(http.StatusOK, gin.H{
					"items":       items,
					"page":        page,
					"per_page":    defaultPerPage,
					"total_items": total,
					"total_pages": calcTotalPages(total, defaultPerPage),
				})
			})

			status.GET("/submissions/id/:id", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
				user := mustCurrentUser(c)
				sub, ok := loadOwnedSubmission(c, submissionRepo, user)
				if !ok {
					return
				}
				// Eventually-consistent batch progress: recompute on read.
				if sub.EvaluationStatusID != nil {
					if es, err := batchRepo.FindEvaluationStatusByID(c.Request.Context(), *sub.EvaluationStatusID); err == nil {
						if batch, err := batchRepo.FindBatchByID(c.Request.Context(), es.BatchID); err == nil {
							_ = results.RefreshBatchProgress(c.Request.Context(), batch)
						}
					}
				}
				c.JSON(http.StatusOK, sub)
			})

			status.GET("/submissions/id/:id/files/zip", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
				user := mustCurrentUser(c)
				sub, ok := loadOwnedSubmission(c, submissionRepo, user)
				if !ok {
					return
				}
				kind := SubmissionFileKind(c.Query("type"))
				if kind != FileKindUploaded && kind != FileKindArranged {
					respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "typeはuploadedまたはarrangedを指定してください")
					return
				}
				zipPath, cleanup, err := results.BuildSubmissionFilesZip(c.Request.Context(), sub, kind)
				if err != nil {
					respondServiceError(c, err)
					return
				}
				defer cleanup()
				c.FileAttachment(zipPath, filepath.Base(zipPath))
			})

			status.GET("/batch/all", RequireScopes(auth, ScopeBatch), func(c *gin.Context) {
				page, err := parsePage(c.Query("page"))
				if err != nil {
					respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
					return
				}
				items, total, err := batchRepo.ListBatches(c.Request.Context(), page, defaultPerPage)
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch batches")
					return
				}
				for i := range items {
					_ = results.RefreshBatchProgress(c.Request.Context(), &items[i])
				}
				c.JSON(http.StatusOK, gin.H{
					"items":       items,
					"page":        page,
					"per_page":    defaultPerPage,
					"total_items": total,
					"total_pages": calcTotalPages(total, defaultPerPage),
				})
			})

			status.GET("/batch/id/:batch_id", RequireScopes(auth, ScopeBatch), func(c *gin.Context) {
				batch, ok := loadBatch(c, batchRepo)
				if !ok {
					return
				}
				if err := results.RefreshBatchProgress(c.Request.Context(), batch); err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to refresh progress")
					return
				}
				c.JSON(http.StatusOK, batch)
			})
		}

		result := assignments.Group("/result")
		{
			result.GET("/submissions/id/:id", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
				user := mustCurrentUser(c)
				sub, ok := loadOwnedSubmission(c, submissionRepo, user)
				if !ok {
					return
				}
				ctx := c.Request.Context()
				judgeResults, err := submissionRepo.ListJudgeResults(ctx, sub.ID)
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch judge results")
					return
				}
				uploaded, err := submissionRepo.ListUploadedFiles(ctx, sub.ID)
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch uploaded files")
					return
				}
				c.JSON(http.StatusOK, gin.H{
					"submission":     sub,
					"judge_results":  judgeResults,
					"uploaded_files": uploaded,
				})
			})

			result.GET("/batch/id/:batch_id", RequireScopes(auth, ScopeBatch), func(c *gin.Context) {
				batch, ok := loadBatch(c, batchRepo)
				if !ok {
					return
				}
				ctx := c.Request.Context()
				if err := results.RefreshBatchProgress(ctx, batch); err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to refresh progress")
					return
				}
				if err := results.AggregateBatchResults(ctx, batch); err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to aggregate results")
					return
				}
				statuses, err := batchRepo.ListEvaluationStatuses(ctx, batch.ID)
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch evaluation statuses")
					return
				}
				tree := make([]gin.H, 0, len(statuses))
				for _, es := range statuses {
					subs, err := submissionRepo.ListByEvaluationStatus(ctx, es.ID)
					if err != nil {
						respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch submissions")
						return
					}
					tree = append(tree, gin.H{"evaluation_status": es, "submissions": subs})
				}
				c.JSON(http.StatusOK, gin.H{"batch": batch, "evaluations": tree})
			})

			result.GET("/batch/id/:batch_id/user/:user_id", RequireScopes(auth, ScopeBatch), func(c *gin.Context) {
				batch, ok := loadBatch(c, batchRepo)
				if !ok {
					return
				}
				ctx := c.Request.Context()
				if err := results.RefreshBatchProgress(ctx, batch); err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to refresh progress")
					return
				}
				if err := results.AggregateBatchResults(ctx, batch); err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to aggregate results")
					return
				}
				es, err := batchRepo.FindEvaluationStatus(ctx, batch.ID, c.Param("user_id"))
				if err != nil {
					respondError(c, http.StatusNotFound, "NOT_FOUND", "学生の評価エントリが見つかりません")
					return
				}
				subs, err := submissionRepo.ListByEvaluationStatus(ctx, es.ID)
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch submissions")
					return
				}
				c.JSON(http.StatusOK, gin.H{"evaluation_status": es, "submissions": subs})
			})

			result.GET("/batch/:batch_id/files/:kind/:user_id", RequireScopes(auth, ScopeBatch), func(c *gin.Context) {
				batch, ok := loadBatch(c, batchRepo)
				if !ok {
					return
				}
				es, err := batchRepo.FindEvaluationStatus(c.Request.Context(), batch.ID, c.Param("user_id"))
				if err != nil {
					respondError(c, http.StatusNotFound, "NOT_FOUND", "学生の評価エントリが見つかりません")
					return
				}
				switch c.Param("kind") {
				case "uploaded":
					if es.UploadDir == nil {
						respondError(c, http.StatusNotFound, "NOT_FOUND", "提出ファイルがありません")
						return
					}
					zipPath, cleanup, err := BuildDirZip(filepath.Join(cfg.UploadDir, *es.UploadDir), es.UserID)
					if err != nil {
						respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to build archive")
						return
					}
					defer cleanup()
					c.FileAttachment(zipPath, filepath.Base(zipPath))
				case "report":
					if es.ReportPath == nil {
						respondError(c, http.StatusNotFound, "NOT_FOUND", "レポートがありません")
						return
					}
					abs := filepath.Join(cfg.UploadDir, *es.ReportPath)
					c.FileAttachment(abs, filepath.Base(abs))
				default:
					respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "uploadedまたはreportを指定してください")
				}
			})
		}
	}

	users := api.Group("/users")
	{
		users.GET("/me", RequireScopes(auth, ScopeMe), func(c *gin.Context) {
			user := mustCurrentUser(c)
			c.JSON(http.StatusOK, userResponse(user))
		})

		users.POST("/register", RequireScopes(auth, ScopeAccount), func(c *gin.Context) {
			var req registerUserRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
			record, err := registerUser(c, userRepo, req)
			if err != nil {
				if errors.Is(err, ErrConflict) {
					respondError(c, http.StatusConflict, "CONFLICT", "user_idが既に存在します")
					return
				}
				if errors.Is(err, ErrBadRequest) {
					respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
					return
				}
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to create user")
				return
			}
			c.JSON(http.StatusOK, userResponse(record))
		})

		users.POST("/register/multiple", RequireScopes(auth, ScopeAccount), func(c *gin.Context) {
			var req struct {
				Users []registerUserRequest `json:"users"`
			}
			if err := c.ShouldBindJSON(&req); err != nil || len(req.Users) == 0 {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "users にユーザーを指定してください")
				return
			}

			type failedRow struct {
				UserID string `json:"user_id"`
				Reason string `json:"reason"`
			}
			var failed []failedRow
			created := 0
			for _, u := range req.Users {
				if _, err := registerUser(c, userRepo, u); err != nil {
					reason := "UNKNOWN_ERROR"
					if errors.Is(err, ErrConflict) {
						reason = "USERID_ALREADY_EXISTS"
					} else if errors.Is(err, ErrBadRequest) {
						reason = "VALIDATION_ERROR"
					}
					failed = append(failed, failedRow{UserID: u.UserID, Reason: reason})
					continue
				}
				created++
			}
			c.JSON(http.StatusOK, gin.H{
				"created_count": created,
				"failed_count":  len(failed),
				"failed_rows":   failed,
			})
		})

		users.GET("/all", RequireScopes(auth, ScopeViewUsers), func(c *gin.Context) {
			page, err := parsePage(c.Query("page"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
				return
			}
			items, total, err := userRepo.List(c.Request.Context(), page, defaultPerPage)
			if err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch users")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"items":       items,
				"page":        page,
				"per_page":    defaultPerPage,
				"total_items": total,
				"total_pages": calcTotalPages(total, defaultPerPage),
			})
		})

		users.POST("/delete", RequireScopes(auth, ScopeAccount), func(c *gin.Context) {
			var req struct {
				UserID string `json:"user_id"`
			}
			if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "user_id は必須です")
				return
			}
			caller := mustCurrentUser(c)
			if caller.UserID == req.UserID {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "自分自身は削除できません")
				return
			}
			if err := userRepo.Delete(c.Request.Context(), req.UserID); err != nil {
				if errors.Is(err, ErrNotFound) {
					respondError(c, http.StatusNotFound, "NOT_FOUND", "ユーザーが見つかりません")
					return
				}
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to delete user")
				return
			}
			c.JSON(http.StatusOK, gin.H{"msg": "ユーザーを削除しました"})
		})

		users.POST("/update", RequireScopes(auth, ScopeAccount), func(c *gin.Context) {
			var req struct {
				UserID          string     `json:"user_id"`
				Username        *string    `json:"username"`
				Email           *string    `json:"email"`
				Password        *string    `json:"password"`
				Role            *string    `json:"role"`
				Disabled        *bool      `json:"disabled"`
				ActiveStartDate *time.Time `json:"active_start_date"`
				ActiveEndDate   *time.Time `json:"active_end_date"`
			}
			if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "user_id は必須です")
				return
			}
			input := UserUpdateInput{
				Username:        req.Username,
				Email:           req.Email,
				Disabled:        req.Disabled,
				ActiveStartDate: req.ActiveStartDate,
				ActiveEndDate:   req.ActiveEndDate,
			}
			if req.Role != nil {
				role, err := ParseRole(*req.Role)
				if err != nil {
					respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid role")
					return
				}
				input.Role = &role
			}
			if req.Password != nil {
				hash, err := HashPassword(*req.Password)
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to hash password")
					return
				}
				input.HashedPassword = &hash
			}
			if err := userRepo.Update(c.Request.Context(), req.UserID, input); err != nil {
				if errors.Is(err, ErrNotFound) {
					respondError(c, http.StatusNotFound, "NOT_FOUND", "ユーザーが見つかりません")
					return
				}
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to update user")
				return
			}
			c.JSON(http.StatusOK, gin.H{"msg": "ユーザーを更新しました"})
		})
	}

	return r
}

// respondServiceError maps service errors onto the HTTP status contract.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, ErrForbidden):
		respondError(c, http.StatusForbidden, "FORBIDDEN", "権限がありません")
	case errors.Is(err, ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "エントリが見つかりません")
	case errors.Is(err, ErrUnauthenticated):
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "認証情報が無効です")
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "内部エラーが発生しました")
	}
}

func parseLectureID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("lecture_id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid lecture_id")
		return 0, false
	}
	return id, true
}

func parseProblemKey(c *gin.Context) (int64, int64, bool) {
	lectureID, ok := parseLectureID(c)
	if !ok {
		return 0, 0, false
	}
	assignmentID, err := strconv.ParseInt(c.Param("assignment_id"), 10, 64)
	if err != nil || assignmentID <= 0 {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid assignment_id")
		return 0, 0, false
	}
	return lectureID, assignmentID, true
}

// loadBatch fetches the batch row from the :batch_id param.
func loadBatch(c *gin.Context, batches BatchRepository) (*BatchSubmission, bool) {
	id, err := strconv.ParseInt(c.Param("batch_id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid batch_id")
		return nil, false
	}
	batch, err := batches.FindBatchByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "バッチエントリが見つかりません")
		return nil, false
	}
	return batch, true
}

// loadOwnedSubmission fetches :id and enforces that students only read their
// own submissions.
func loadOwnedSubmission(c *gin.Context, submissions SubmissionRepository, user *UserRecord) (*Submission, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid id")
		return nil, false
	}
	sub, err := submissions.FindByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "提出エントリが見つかりません")
		return nil, false
	}
	if !user.Role.Privileged() && sub.UserID != user.UserID {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "他のユーザーの提出は参照できません")
		return nil, false
	}
	return sub, true
}

type registerUserRequest struct {
	UserID          string     `json:"user_id"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	Password        string     `json:"password"`
	Role            string     `json:"role"`
	Disabled        bool       `json:"disabled"`
	ActiveStartDate *time.Time `json:"active_start_date"`
	ActiveEndDate   *time.Time `json:"active_end_date"`
}

// registerUser validates and inserts one user row.
func registerUser(c *gin.Context, users UserRepository, req registerUserRequest) (*UserRecord, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Username = strings.TrimSpace(req.Username)
	if req.UserID == "" || req.Password == "" {
		return nil, badRequestf("user_idとpasswordは必須です")
	}
	if req.Role == "" {
		req.Role = string(RoleStudent)
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		return nil, badRequestf("invalid role")
	}
	if req.Username == "" {
		req.Username = req.UserID
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	return users.Create(c.Request.Context(), UserCreateInput{
		UserID:          req.UserID,
		Username:        req.Username,
		Email:           req.Email,
		HashedPassword:  hash,
		Role:            role,
		Disabled:        req.Disabled,
		ActiveStartDate: req.ActiveStartDate,
		ActiveEndDate:   req.ActiveEndDate,
	})
}

// userResponse strips the password hash from a user record.
func userResponse(u *UserRecord) gin.H {
	return gin.H{
		"user_id":           u.UserID,
		"username":          u.Username,
		"email":             u.Email,
		"role":              u.Role,
		"disabled":          u.Disabled,
		"created_at":        u.CreatedAt,
		"active_start_date": u.ActiveStartDate,
		"active_end_date":   u.ActiveEndDate,
	}
}

// problemDetailResponse inlines the test-case expectation blobs the way the
// detail endpoint serves them.
func problemDetailResponse(p *Problem) gin.H {
	testCases := make([]gin.H, 0, len(p.TestCases))
	for _, tc := range p.TestCases {
		testCases = append(testCases, gin.H{
			"id":          tc.ID,
			"eval":        tc.Eval,
			"type":        tc.Type,
			"score":       tc.Score,
			"title":       tc.Title,
			"description": tc.Description,
			"command":     tc.Command,
			"args":        tc.Args,
			"stdin":       readBlob(tc.StdinPath),
			"stdout":      readBlob(tc.StdoutPath),
			"stderr":      readBlob(tc.StderrPath),
			"exit_code":   tc.ExitCode,
		})
	}
	return gin.H{
		"lecture_id":     p.LectureID,
		"assignment_id":  p.AssignmentID,
		"title":          p.Title,
		"timeMS":         p.TimeMS,
		"memoryMB":       p.MemoryMB,
		"required_files": p.RequiredFiles,
		"arranged_files": p.ArrangedFiles,
		"executables":    p.Executables,
		"test_cases":     testCases,
	}
}

// readBlob loads an expectation file; nil path or read failure yields nil.
func readBlob(path *string) *string {
	if path == nil || strings.TrimSpace(*path) == "" {
		return nil
	}
	b, err := os.ReadFile(*path)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}
