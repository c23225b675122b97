package handler

import (
	"net/http"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/employee"
)

// EmployeeHandler は従業員 API の HTTP 実装です。
type EmployeeHandler struct {
	svc employee.UseCase
}

// NewEmployeeHandler は EmployeeHandler を生成します。
func NewEmployeeHandler(svc employee.UseCase) *EmployeeHandler {
	return &EmployeeHandler{svc: svc}
}

type employeeResponse struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Contact    string    `json:"contact"`
	Email      *string   `json:"email,omitempty"`
	Address    string    `json:"address"`
	Country    string    `json:"country"`
	PostalCode string    `json:"postal_code"`
	Sex        string    `json:"sex"`
	BirthDate  string    `json:"birth_date"`
	Enrolled   bool      `json:"enrolled"`
	ImageURL   string    `json:"image_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type listEmployeesResponse struct {
	Employees     []employeeResponse `json:"employees"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

// Create は従業員を作成します。image パートがあれば顔も登録します。
func (h *EmployeeHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		respondError(w, r, err)
		return
	}

	birthDate, err := formDate(r, "birth_date")
	if err != nil {
		respondError(w, r, err)
		return
	}
	image, err := formImage(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	name, _ := formValue(r, "name")
	contact, _ := formValue(r, "contact")
	address, _ := formValue(r, "address")
	country, _ := formValue(r, "country")
	postal, _ := formValue(r, "postal_code")
	sex, _ := formValue(r, "sex")

	created, err := h.svc.CreateEmployee(r.Context(), employee.CreateEmployeeInput{
		Name:       name,
		Contact:    contact,
		Email:      formPointer(r, "email"),
		Address:    address,
		Country:    country,
		PostalCode: postal,
		Sex:        sex,
		BirthDate:  birthDate,
		Image:      image,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, toEmployeeResponse(created))
}

// Get は従業員を取得します。
func (h *EmployeeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}

	found, err := h.svc.GetEmployee(r.Context(), employee.GetEmployeeInput{ID: id})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toEmployeeResponse(found))
}

// List は従業員を名前の部分一致で一覧取得します。
func (h *EmployeeHandler) List(w http.ResponseWriter, r *http.Request) {
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		respondError(w, r, err)
		return
	}

	result, err := h.svc.ListEmployees(r.Context(), employee.ListEmployeesInput{
		PageSize:  pageSize,
		PageToken: r.URL.Query().Get("page_token"),
		Name:      r.URL.Query().Get("name"),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := listEmployeesResponse{
		Employees:     make([]employeeResponse, 0, len(result.Employees)),
		NextPageToken: result.NextPageToken,
	}
	for _, emp := range result.Employees {
		resp.Employees = append(resp.Employees, toEmployeeResponse(emp))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Update は送信された項目だけを更新します。email を空で送ると削除します。
func (h *EmployeeHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := parseForm(w, r); err != nil {
		respondError(w, r, err)
		return
	}

	birthDate, err := formDate(r, "birth_date")
	if err != nil {
		respondError(w, r, err)
		return
	}
	image, err := formImage(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_, emailSet := formValue(r, "email")

	updated, err := h.svc.UpdateEmployee(r.Context(), employee.UpdateEmployeeInput{
		ID:         id,
		Name:       formPointer(r, "name"),
		Contact:    formPointer(r, "contact"),
		Email:      formPointer(r, "email"),
		EmailSet:   emailSet,
		Address:    formPointer(r, "address"),
		Country:    formPointer(r, "country"),
		PostalCode: formPointer(r, "postal_code"),
		Sex:        formPointer(r, "sex"),
		BirthDate:  birthDate,
		Image:      image,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toEmployeeResponse(updated))
}

// Delete は従業員と顔登録、勤怠記録を削除します。
func (h *EmployeeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.svc.DeleteEmployee(r.Context(), employee.DeleteEmployeeInput{ID: id}); err != nil {
		respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Image は参照画像を返します。
func (h *EmployeeHandler) Image(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}

	data, err := h.svc.EmployeeImage(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Reenroll は参照画像を差し替えて顔を登録し直します。
func (h *EmployeeHandler) Reenroll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}
	image, err := requestImage(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	updated, err := h.svc.ReenrollEmployee(r.Context(), employee.ReenrollEmployeeInput{ID: id, Image: image})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toEmployeeResponse(updated))
}

func formDate(r *http.Request, key string) (*time.Time, error) {
	raw, ok := formValue(r, key)
	if !ok {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, employee.ErrInvalidBirthDate
	}
	return &t, nil
}

func toEmployeeResponse(emp *employee.Employee) employeeResponse {
	return employeeResponse{
		ID:         emp.ID,
		Name:       emp.Name,
		Contact:    emp.Contact,
		Email:      emp.Email,
		Address:    emp.Address,
		Country:    emp.Country,
		PostalCode: emp.PostalCode,
		Sex:        string(emp.Sex),
		BirthDate:  emp.BirthDate.Format(dateLayout),
		Enrolled:   emp.Enrolled,
		ImageURL:   emp.ImageURL,
		CreatedAt:  emp.CreatedAt,
		UpdatedAt:  emp.UpdatedAt,
	}
}
