/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	model2 "github.com/blnkfinance/courier/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) CreateTask(c *gin.Context) {
	var newTask model2.CreateTask
	if err := c.ShouldBindJSON(&newTask); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	err := newTask.ValidateCreateTask()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.courier.CreateTask(c.Request.Context(), newTask.ToScheduledTask())
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetTask(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.courier.GetTask(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) ListTasks(c *gin.Context) {
	filter, err := ParseTaskFilter(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	resp, err := a.courier.ListTasks(c.Request.Context(), filter)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) UpdateTask(c *gin.Context) {
	id := c.Param("id")

	var update model2.UpdateTask
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := update.ValidateUpdateTask(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.courier.UpdateTask(c.Request.Context(), id, update.ToTaskPatch())
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) DeleteTask(c *gin.Context) {
	id := c.Param("id")

	if err := a.courier.DeleteTask(c.Request.Context(), id); err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "task deleted", "task_id": id})
}

func (a Api) PauseTask(c *gin.Context) {
	resp, err := a.courier.PauseTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) ResumeTask(c *gin.Context) {
	resp, err := a.courier.ResumeTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RunTask claims the task for a manual run. The run itself happens on the worker pool.
func (a Api) RunTask(c *gin.Context) {
	var body model2.RunTask
	// the body is optional
	_ = c.ShouldBindJSON(&body)

	exec, err := a.courier.RunNow(c.Request.Context(), c.Param("id"), requestActor(c, body.PerformedBy))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, exec)
}

func (a Api) CancelRun(c *gin.Context) {
	var body model2.RunTask
	_ = c.ShouldBindJSON(&body)

	id := c.Param("id")
	if err := a.courier.CancelRun(c.Request.Context(), id, requestActor(c, body.PerformedBy)); err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "run cancelled", "task_id": id})
}

func (a Api) ListExecutions(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		respondWithError(c, err)
		return
	}

	resp, err := a.courier.ListExecutions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) RecentExecutions(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		respondWithError(c, err)
		return
	}

	resp, err := a.courier.RecentExecutions(c.Request.Context(), limit)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
